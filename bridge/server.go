// Package bridge exposes the connectivity engine over HTTP: REST
// routes for device and print control, plus a websocket feed of status
// updates for UI clients.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/marc/sdcp_bridge/files"
	"github.com/marc/sdcp_bridge/history"
	"github.com/marc/sdcp_bridge/printer"
	"github.com/marc/sdcp_bridge/sdcp"
	"github.com/marc/sdcp_bridge/upload"
)

// Config holds the bridge listen address.
type Config struct {
	Host string
	Port int
}

// Server is the HTTP façade over the engine.
type Server struct {
	cfg        Config
	registry   *printer.Registry
	manager    *printer.Manager
	hub        *Hub
	uploader   *upload.Uploader
	discoverer *sdcp.Discoverer
	library    *files.Library
	recorder   *history.Recorder
	httpServer *http.Server
}

// NewServer wires the engine components into an HTTP server.
func NewServer(cfg Config, registry *printer.Registry, manager *printer.Manager, bus *printer.Bus, library *files.Library, recorder *history.Recorder) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		manager:    manager,
		hub:        NewHub(bus),
		uploader:   upload.NewUploader(),
		discoverer: sdcp.NewDiscoverer(),
		library:    library,
		recorder:   recorder,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/devices", s.listDevices)
		api.POST("/devices", s.addDevice)
		api.DELETE("/devices/:id", s.removeDevice)
		api.POST("/discover", s.discover)
		api.POST("/devices/:id/connect", s.connectDevice)
		api.POST("/devices/:id/disconnect", s.disconnectDevice)
		api.GET("/devices/:id/status", s.deviceStatus)
		api.POST("/devices/:id/print", s.printControl)
		api.POST("/devices/:id/video", s.videoControl)
		api.POST("/devices/:id/upload", s.uploadFile)

		api.GET("/files", s.listFiles)
		api.POST("/files", s.stageFile)
		api.DELETE("/files/:name", s.deleteFile)
		api.GET("/files/usage", s.diskUsage)

		api.GET("/history", s.listHistory)
		api.GET("/history/totals", s.historyTotals)
		api.POST("/history/reset", s.resetHistory)
		api.GET("/history/jobs/:id", s.getJob)
		api.DELETE("/history/jobs/:id", s.deleteJob)
	}
	router.GET("/websocket", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Hub returns the websocket hub, for broadcasting outside the bridge.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	s.hub.Run()
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.registry.ListConnected()})
}

func (s *Server) addDevice(c *gin.Context) {
	var dev sdcp.PrinterDevice
	if err := c.ShouldBindJSON(&dev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if dev.ID == "" || dev.IP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device id and address are required"})
		return
	}
	s.registry.Add(dev)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) removeDevice(c *gin.Context) {
	id := c.Param("id")
	s.manager.Disconnect(id)
	s.registry.Remove(id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) discover(c *gin.Context) {
	ch, err := s.discoverer.Start(s.registry.KnownIDs())
	if err != nil {
		if errors.Is(err, sdcp.ErrDiscoveryActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	devices := []sdcp.PrinterDevice{}
	for dev := range ch {
		devices = append(devices, dev)
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) connectDevice(c *gin.Context) {
	id := c.Param("id")
	dev, ok := s.registry.Device(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device " + id})
		return
	}

	if _, err := s.manager.Connect(dev); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) disconnectDevice(c *gin.Context) {
	s.manager.Disconnect(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deviceStatus(c *gin.Context) {
	id := c.Param("id")

	if sess, ok := s.manager.Session(id); ok {
		if status, ok := sess.Status(); ok {
			c.JSON(http.StatusOK, gin.H{
				"live":      sess.Connected(),
				"status":    status,
				"video_url": sess.VideoURL(),
			})
			return
		}
	}

	if status, ok := s.registry.LastKnownStatus(id); ok {
		c.JSON(http.StatusOK, gin.H{"live": false, "status": status})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no status for device " + id})
}

type printRequest struct {
	Action   string `json:"action" binding:"required"`
	Filename string `json:"filename"`
}

func (s *Server) printControl(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.manager.Session(id)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "device " + id + " is not connected"})
		return
	}

	var req printRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	switch req.Action {
	case "start":
		if req.Filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required to start a print"})
			return
		}
		err = sess.StartPrint(req.Filename)
	case "pause":
		err = sess.Pause()
	case "resume":
		err = sess.Resume()
	case "stop":
		err = sess.Stop()
	case "home":
		err = sess.Home()
	case "exposure_test":
		err = sess.ExposureTest()
	case "self_test":
		err = sess.DeviceSelfTest()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + req.Action})
		return
	}

	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type videoRequest struct {
	Enable bool `json:"enable"`
}

func (s *Server) videoControl(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.manager.Session(id)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "device " + id + " is not connected"})
		return
	}

	var req videoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := sess.ToggleVideo(req.Enable); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "video_url": sess.VideoURL()})
}

type uploadRequest struct {
	Filename string `json:"filename" binding:"required"`
}

// uploadFile transfers a file to the device. The file comes either
// from a multipart "file" field or, with a JSON body, by name from the
// staging library.
func (s *Server) uploadFile(c *gin.Context) {
	id := c.Param("id")
	dev, ok := s.registry.Device(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device " + id})
		return
	}

	var data []byte
	var filename string

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req uploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		staged, err := s.library.Read(req.Filename)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		data, filename = staged, req.Filename
	} else {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
			return
		}
		defer file.Close()

		data, err = io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filename = header.Filename
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Minute)
	defer cancel()

	err := s.uploader.Upload(ctx, data, filename, dev.IP, func(frac float64) {
		log.Printf("Upload %s to %s: %.1f%%", filename, id, frac*100)
	})
	if err != nil {
		var rejected *upload.RejectedError
		if errors.As(err, &rejected) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rejected.Error(), "code": rejected.Code})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "size": len(data)})
}

func (s *Server) listFiles(c *gin.Context) {
	entries, err := s.library.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": entries})
}

func (s *Server) stageFile(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.library.Save(header.Filename, data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "name": header.Filename, "size": len(data)})
}

func (s *Server) deleteFile(c *gin.Context) {
	if err := s.library.Delete(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) diskUsage(c *gin.Context) {
	c.JSON(http.StatusOK, s.library.Usage())
}

func (s *Server) listHistory(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	jobs, total := s.recorder.List(c.Query("device"), offset, limit)
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": total})
}

func (s *Server) historyTotals(c *gin.Context) {
	c.JSON(http.StatusOK, s.recorder.GetTotals())
}

func (s *Server) resetHistory(c *gin.Context) {
	s.recorder.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getJob(c *gin.Context) {
	job, ok := s.recorder.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJob(c *gin.Context) {
	if !s.recorder.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or in-progress job " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
