package chat

import (
	"context"
	"testing"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

func TestExportImportRoundTripReusesVectors(t *testing.T) {
	svc, embedder := newTestService(t)
	ctx := context.Background()
	src, err := svc.Create(ctx, "user-1", "Campanha", testChatConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fact, err := svc.Insert(ctx, "user-1", src.Token, domain.CollectionFatos, "Lira odeia o império.", domain.RoleUser, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	lore, err := svc.Insert(ctx, "user-1", src.Token, domain.CollectionConceitos, "A Ordem do Véu vigia os portais.", domain.RoleModel, false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	doc, err := svc.Export(ctx, "user-1", src.Token, []domain.Collection{domain.CollectionFatos, domain.CollectionConceitos})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if doc.Version != "1.1" {
		t.Fatalf("version: got %q", doc.Version)
	}
	if doc.EmbeddingDimension != testDim {
		t.Fatalf("dimension: want=%d got=%d", testDim, doc.EmbeddingDimension)
	}
	if doc.Statistics["fatos"] != 1 || doc.Statistics["conceitos"] != 1 {
		t.Fatalf("statistics: got %v", doc.Statistics)
	}

	embedsBefore := embedder.calls
	var progressFrames int
	created, result, err := svc.ImportChat(ctx, "user-1", doc, testChatConfig(),
		func(p ImportProgress) { progressFrames++ })
	if err != nil {
		t.Fatalf("ImportChat: %v", err)
	}
	if !result.VectorsReused || result.Reembedded != 0 {
		t.Fatalf("vectors not reused: %+v", result)
	}
	// Dimension-matched import must not touch the embedding model.
	if embedder.calls != embedsBefore {
		t.Fatalf("embedding called %d times during matched import", embedder.calls-embedsBefore)
	}
	if result.Imported != 2 {
		t.Fatalf("imported: want=2 got=%d", result.Imported)
	}
	if progressFrames == 0 {
		t.Fatalf("no progress frames emitted")
	}

	for _, want := range []*domain.Message{fact, lore} {
		coll := domain.CollectionFatos
		if want.MessageID == lore.MessageID {
			coll = domain.CollectionConceitos
		}
		all, err := svc.deps.Store.GetAllRecords(ctx, created.Token, coll)
		if err != nil {
			t.Fatalf("GetAllRecords: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("%s records: want=1 got=%d", coll, len(all))
		}
		got := all[0]
		if got.Text != want.Text || got.Role != want.Role || got.CreatedAt != want.CreatedAt {
			t.Fatalf("record mismatch: want=%+v got=%+v", want, got)
		}
		for i := range got.Vector {
			if got.Vector[i] != want.Vector[i] {
				t.Fatalf("vector not bit-for-bit at %d", i)
			}
		}
	}
}

func TestImportReembedsOnDimensionMismatch(t *testing.T) {
	svc, embedder := newTestService(t)
	ctx := context.Background()
	dst, err := svc.Create(ctx, "user-1", "Campanha", testChatConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	doc := &ExportDocument{
		Version:            "1.1",
		EmbeddingDimension: testDim * 2,
		Collections: map[string][]ExportRecord{
			"fatos": {{Text: "Lira odeia o império.", Role: "user", CreatedAt: 1000, Vector: make([]float32, testDim*2)}},
		},
	}
	embedsBefore := embedder.calls
	result, err := svc.ImportMemories(ctx, "user-1", dst.Token, doc, nil)
	if err != nil {
		t.Fatalf("ImportMemories: %v", err)
	}
	if result.VectorsReused || result.Reembedded != 1 {
		t.Fatalf("expected re-embedding: %+v", result)
	}
	if embedder.calls != embedsBefore+1 {
		t.Fatalf("embed calls: want=%d got=%d", embedsBefore+1, embedder.calls)
	}
}

func TestImportAcceptsVersion10WithoutVectors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	dst, err := svc.Create(ctx, "user-1", "Campanha", testChatConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	doc := &ExportDocument{
		Version: "1.0",
		Collections: map[string][]ExportRecord{
			"conceitos": {{Text: "A Ordem do Véu vigia os portais.", Role: "model", CreatedAt: 2000}},
		},
	}
	result, err := svc.ImportMemories(ctx, "user-1", dst.Token, doc, nil)
	if err != nil {
		t.Fatalf("ImportMemories: %v", err)
	}
	if result.Imported != 1 || result.Reembedded != 1 {
		t.Fatalf("result: %+v", result)
	}
}

func TestImportRejectsUnknownVersionAndCollection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	dst, err := svc.Create(ctx, "user-1", "Campanha", testChatConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	bad := &ExportDocument{Version: "2.0", Collections: map[string][]ExportRecord{"fatos": {}}}
	if _, err := svc.ImportMemories(ctx, "user-1", dst.Token, bad, nil); err == nil {
		t.Fatalf("expected error for version 2.0")
	}
	badColl := &ExportDocument{Version: "1.1", Collections: map[string][]ExportRecord{"segredos": {}}}
	if _, err := svc.ImportMemories(ctx, "user-1", dst.Token, badColl, nil); err == nil {
		t.Fatalf("expected error for unknown collection")
	}
}
