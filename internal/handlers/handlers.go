package handlers

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/karfong/frontend-plastic-detection/internal/auth"
	"github.com/karfong/frontend-plastic-detection/internal/detectclient"
	"github.com/karfong/frontend-plastic-detection/internal/detector"
	"github.com/karfong/frontend-plastic-detection/internal/usecase"
)

// MaxUploadSize bounds the size of a selected image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers on top of
// the image itself.
const multipartOverhead = 1 << 20

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html"))

var (
	errUploadTooLarge  = errors.New("image exceeds the upload size limit")
	errUnsupportedType = errors.New("only image files can be selected")
	errBadUpload       = errors.New("unable to read the uploaded image")
)

type handler struct {
	sessions *usecase.SessionRegistry
	logger   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Every route but
// /health runs inside sessionMiddleware.
func RegisterRoutes(router *gin.Engine, sessions *usecase.SessionRegistry, sessionMiddleware gin.HandlerFunc, logger *zap.Logger) {
	h := &handler{sessions: sessions, logger: logger.Named("handlers")}

	router.SetHTMLTemplate(pageTemplate)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	page := router.Group("/", sessionMiddleware)
	page.GET("/", h.index)
	page.POST("/select", h.selectImage)
	page.POST("/detect", h.detect)
	page.GET(usecase.PreviewPathPrefix+":id", h.preview)

	api := page.Group("/api")
	api.GET("/state", h.apiState)
	api.POST("/select", h.apiSelect)
	api.POST("/detect", h.apiDetect)
}

func (h *handler) client(c *gin.Context) *usecase.DetectionClient {
	sessionID, _ := auth.GetSessionID(c.Request.Context())
	return h.sessions.Client(sessionID)
}

func (h *handler) render(c *gin.Context, status int, snap usecase.Snapshot, notice string) {
	c.HTML(status, "index.html", pageView{State: newStateView(snap), Notice: notice})
}

func (h *handler) index(c *gin.Context) {
	h.render(c, http.StatusOK, h.client(c).Snapshot(), "")
}

func (h *handler) selectImage(c *gin.Context) {
	client := h.client(c)

	img, status, err := readUpload(c)
	if err != nil {
		h.render(c, status, client.Snapshot(), err.Error())
		return
	}

	snap, err := client.SelectImage(c.Request.Context(), img)
	if err != nil {
		if errors.Is(err, usecase.ErrSubmissionInFlight) {
			h.render(c, http.StatusConflict, snap, "Wait for the current detection to finish.")
			return
		}
		h.logger.Error("select image failed", zap.Error(err))
		h.render(c, http.StatusInternalServerError, snap, "Unable to prepare the image preview.")
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *handler) detect(c *gin.Context) {
	if _, err := h.client(c).SubmitForDetection(c.Request.Context()); err != nil {
		h.logger.Debug("submission resolved with error", zap.Error(err))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *handler) preview(c *gin.Context) {
	id := c.Param("id")
	snap := h.client(c).Snapshot()
	if snap.Preview == nil || snap.Preview.ID != id {
		c.Status(http.StatusNotFound)
		return
	}

	img, err := h.sessions.Previews().Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, usecase.ErrPreviewNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		h.logger.Error("preview lookup failed", zap.String("preview_id", id), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, img.ContentType, img.Data)
}

func (h *handler) apiState(c *gin.Context) {
	c.JSON(http.StatusOK, newStateView(h.client(c).Snapshot()))
}

func (h *handler) apiSelect(c *gin.Context) {
	client := h.client(c)

	img, status, err := readUpload(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	snap, err := client.SelectImage(c.Request.Context(), img)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, usecase.ErrSubmissionInFlight) {
			status = http.StatusConflict
		} else {
			h.logger.Error("select image failed", zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error(), "state": newStateView(snap)})
		return
	}
	c.JSON(http.StatusOK, newStateView(snap))
}

func (h *handler) apiDetect(c *gin.Context) {
	snap, err := h.client(c).SubmitForDetection(c.Request.Context())
	if err == nil {
		c.JSON(http.StatusOK, newStateView(snap))
		return
	}

	status := http.StatusInternalServerError
	var svcErr *usecase.ServiceError
	switch {
	case errors.Is(err, usecase.ErrNoImageSelected):
		status = http.StatusBadRequest
	case errors.Is(err, usecase.ErrSubmissionInFlight), errors.Is(err, usecase.ErrClientClosed):
		status = http.StatusConflict
	case errors.As(err, &svcErr):
		status = http.StatusBadGateway
	}
	// The cause of a service failure is logged, never returned; only the
	// request id is, so a user can quote it.
	body := gin.H{"error": snap.Status.Text, "state": newStateView(snap)}
	if svcErr != nil && svcErr.RequestID != "" {
		body["request_id"] = svcErr.RequestID
	}
	c.JSON(status, body)
}

// readUpload extracts the image part. A request without a file yields a nil
// image, which the client treats as a cancelled pick.
func readUpload(c *gin.Context) (*detector.Image, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile(detectclient.ImageField)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, http.ErrMissingFile):
			return nil, http.StatusOK, nil
		case errors.As(err, &maxErr):
			return nil, http.StatusRequestEntityTooLarge, errUploadTooLarge
		default:
			return nil, http.StatusBadRequest, errBadUpload
		}
	}
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errUploadTooLarge
	}

	contentType := file.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, http.StatusUnsupportedMediaType, errUnsupportedType
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errBadUpload
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, errBadUpload
	}

	return &detector.Image{
		Filename:    file.Filename,
		ContentType: contentType,
		Data:        data,
	}, http.StatusOK, nil
}
