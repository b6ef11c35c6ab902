package handlers

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/http/middleware"
	"github.com/fablemind/fablemind-backend/internal/http/response"
	"github.com/fablemind/fablemind-backend/internal/modules/chat"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

type ChatHandler struct {
	log  *logger.Logger
	chat *chat.Service
}

func NewChatHandler(log *logger.Logger, chatService *chat.Service) *ChatHandler {
	return &ChatHandler{log: log.With("handler", "ChatHandler"), chat: chatService}
}

func (ch *ChatHandler) Create(c *gin.Context) {
	var req struct {
		Title  string            `json:"title"`
		Config domain.ChatConfig `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	created, err := ch.chat.Create(c.Request.Context(), middleware.UserID(c), req.Title, req.Config)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, created)
}

func (ch *ChatHandler) List(c *gin.Context) {
	chats, err := ch.chat.List(middleware.UserID(c))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chats": chats})
}

func (ch *ChatHandler) Delete(c *gin.Context) {
	if err := ch.chat.Delete(c.Request.Context(), middleware.UserID(c), c.Param("token")); err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}

func (ch *ChatHandler) History(c *gin.Context) {
	history, err := ch.chat.History(c.Request.Context(), middleware.UserID(c), c.Param("token"))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"history": history})
}

func (ch *ChatHandler) UpdateConfig(c *gin.Context) {
	var patch domain.ChatConfig
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	updated, err := ch.chat.UpdateConfig(middleware.UserID(c), c.Param("token"), patch)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, updated)
}

func (ch *ChatHandler) Rename(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	updated, err := ch.chat.Rename(middleware.UserID(c), c.Param("token"), req.Title)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, updated)
}

func (ch *ChatHandler) Insert(c *gin.Context) {
	coll, ok := domain.ParseCollection(c.Param("collection"))
	if !ok {
		response.BadRequest(c, "Coleção desconhecida.", nil)
		return
	}
	var req struct {
		Text    string `json:"text"`
		Role    string `json:"role"`
		Eternal bool   `json:"eternal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	msg, err := ch.chat.Insert(c.Request.Context(), middleware.UserID(c), c.Param("token"), coll, req.Text, domain.Role(req.Role), req.Eternal)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, msg)
}

func (ch *ChatHandler) Edit(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	msg, err := ch.chat.Edit(c.Request.Context(), middleware.UserID(c), c.Param("token"), c.Param("msg"), req.Text)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, msg)
}

func (ch *ChatHandler) DeleteMessage(c *gin.Context) {
	err := ch.chat.DeleteMessage(c.Request.Context(), middleware.UserID(c), c.Param("token"), c.Param("msg"))
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": true})
}

func (ch *ChatHandler) Search(c *gin.Context) {
	coll, ok := domain.ParseCollection(c.Param("collection"))
	if !ok {
		response.BadRequest(c, "Coleção desconhecida.", nil)
		return
	}
	var req struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	results, err := ch.chat.Search(c.Request.Context(), middleware.UserID(c), c.Param("token"), coll, req.Query, req.K)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"results": results})
}

func (ch *ChatHandler) SearchGlobal(c *gin.Context) {
	var req struct {
		Query    string `json:"query"`
		KPerChat int    `json:"kPerChat"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	if req.KPerChat <= 0 {
		req.KPerChat = 5
	}
	results, err := ch.chat.SearchGlobal(c.Request.Context(), middleware.UserID(c), c.Param("token"), req.Query, req.KPerChat)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"results": results})
}

func (ch *ChatHandler) Branch(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	branch, err := ch.chat.Branch(c.Request.Context(), middleware.UserID(c), c.Param("token"), c.Param("msg"), req.Title)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, branch)
}

func (ch *ChatHandler) VectorizePDF(c *gin.Context) {
	var req struct {
		Name       string `json:"name"`
		Text       string `json:"text"`
		Collection string `json:"collection"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Corpo da requisição inválido.", err)
		return
	}
	var coll domain.Collection
	if req.Collection != "" {
		parsed, ok := domain.ParseCollection(req.Collection)
		if !ok {
			response.BadRequest(c, "Coleção desconhecida.", nil)
			return
		}
		coll = parsed
	}
	chunks, err := ch.chat.VectorizePDF(c.Request.Context(), middleware.UserID(c), c.Param("token"), req.Name, req.Text, coll)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"chunks": chunks})
}

// Generate handles the multipart generation turn: a message field plus any
// number of attachment files.
func (ch *ChatHandler) Generate(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		response.BadRequest(c, "Formulário multipart inválido.", err)
		return
	}
	message := ""
	if vals := form.Value["message"]; len(vals) > 0 {
		message = vals[0]
	}
	var attachments []domain.Attachment
	for _, fh := range form.File["attachments"] {
		f, err := fh.Open()
		if err != nil {
			response.BadRequest(c, "Falha ao ler o anexo "+fh.Filename+".", err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			response.BadRequest(c, "Falha ao ler o anexo "+fh.Filename+".", err)
			return
		}
		attachments = append(attachments, domain.Attachment{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	result, err := ch.chat.Generate(c.Request.Context(), middleware.UserID(c), c.Param("token"), message, attachments)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
