package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/http/middleware"
	"github.com/fablemind/fablemind-backend/internal/http/response"
	"github.com/fablemind/fablemind-backend/internal/modules/chat"
	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/sse"
)

type MemoriesHandler struct {
	log  *logger.Logger
	chat *chat.Service
}

func NewMemoriesHandler(log *logger.Logger, chatService *chat.Service) *MemoriesHandler {
	return &MemoriesHandler{log: log.With("handler", "MemoriesHandler"), chat: chatService}
}

func (mh *MemoriesHandler) Stats(c *gin.Context) {
	stats, err := mh.chat.MemoryStats(c.Request.Context(), middleware.UserID(c), c.Param("token"))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, stats)
}

func (mh *MemoriesHandler) Export(c *gin.Context) {
	var colls []domain.Collection
	for _, name := range c.QueryArray("collections") {
		coll, ok := domain.ParseCollection(name)
		if !ok {
			response.BadRequest(c, "Coleção desconhecida: "+name+".", nil)
			return
		}
		colls = append(colls, coll)
	}
	doc, err := mh.chat.Export(c.Request.Context(), middleware.UserID(c), c.Param("token"), colls)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, doc)
}

// Import loads an export document into an existing chat, streaming SSE
// progress frames and terminating with a complete or error frame.
func (mh *MemoriesHandler) Import(c *gin.Context) {
	var doc chat.ExportDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		response.BadRequest(c, "Documento de importação inválido.", err)
		return
	}
	stream, err := sse.NewStream(mh.log, c.Writer)
	if err != nil {
		// Fall back to a plain JSON response when streaming is unsupported.
		result, impErr := mh.chat.ImportMemories(c.Request.Context(), middleware.UserID(c), c.Param("token"), &doc, nil)
		if impErr != nil {
			response.RespondError(c, impErr)
			return
		}
		response.RespondOK(c, result)
		return
	}
	result, err := mh.chat.ImportMemories(c.Request.Context(), middleware.UserID(c), c.Param("token"), &doc,
		func(p chat.ImportProgress) { stream.Progress(p) })
	if err != nil {
		stream.Fail(apierr.As(err).UserMessage)
		return
	}
	stream.Complete(result)
}

// ImportChat creates a new chat from an export document, streaming SSE
// progress like Import.
func (mh *MemoriesHandler) ImportChat(c *gin.Context) {
	var req struct {
		Document *chat.ExportDocument `json:"document"`
		Config   domain.ChatConfig    `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Documento de importação inválido.", err)
		return
	}
	stream, err := sse.NewStream(mh.log, c.Writer)
	if err != nil {
		created, result, impErr := mh.chat.ImportChat(c.Request.Context(), middleware.UserID(c), req.Document, req.Config, nil)
		if impErr != nil {
			response.RespondError(c, impErr)
			return
		}
		response.RespondOK(c, gin.H{"chat": created, "result": result})
		return
	}
	created, result, err := mh.chat.ImportChat(c.Request.Context(), middleware.UserID(c), req.Document, req.Config,
		func(p chat.ImportProgress) { stream.Progress(p) })
	if err != nil {
		stream.Fail(apierr.As(err).UserMessage)
		return
	}
	stream.Complete(gin.H{"chat": created, "result": result})
}

// Delete executes a confirmed pending-deletion list.
func (mh *MemoriesHandler) Delete(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	if len(req.MessageIDs) == 0 {
		response.BadRequest(c, "Nenhuma memória selecionada para exclusão.", nil)
		return
	}
	deleted, err := mh.chat.ConfirmDeletions(c.Request.Context(), middleware.UserID(c), c.Param("token"), req.MessageIDs)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": deleted})
}

func (mh *MemoriesHandler) CheckEmbeddings(c *gin.Context) {
	counts, err := mh.chat.CheckEmbeddings(c.Request.Context(), middleware.UserID(c), c.Param("token"))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	response.RespondOK(c, gin.H{"zeroEmbeddings": counts, "total": total})
}

func (mh *MemoriesHandler) RepairEmbeddings(c *gin.Context) {
	repaired, err := mh.chat.RepairEmbeddings(c.Request.Context(), middleware.UserID(c), c.Param("token"))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"repaired": repaired})
}
