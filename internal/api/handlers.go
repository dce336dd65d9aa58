package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abhalala/possync/internal/device"
	"github.com/abhalala/possync/internal/print"
	"github.com/abhalala/possync/internal/receipt"
	possync "github.com/abhalala/possync/internal/sync"
)

type Handler struct {
	coordinator *possync.Coordinator
	dispatcher  *print.Dispatcher
	link        *device.Link
	log         *zap.Logger
}

func NewHandler(coordinator *possync.Coordinator, dispatcher *print.Dispatcher, link *device.Link, log *zap.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		dispatcher:  dispatcher,
		link:        link,
		log:         log,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type mutationRequest struct {
	Kind     string          `json:"kind" binding:"required"`
	RecordID string          `json:"record_id" binding:"required"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
}

// SubmitMutation applies a display's local action. A confirmed write returns
// 200; a write parked in the offline queue returns 202 so the UI shows a
// non-blocking "offline, will sync" acknowledgment instead of an error.
func (h *Handler) SubmitMutation(c *gin.Context) {
	var req mutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	queued, err := h.coordinator.SubmitMutation(c.Request.Context(), req.Kind, req.RecordID, req.Payload)
	if err != nil {
		if errors.Is(err, possync.ErrNetworkRejected) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"status": "rejected",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if queued {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued_offline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

func (h *Handler) Records(c *gin.Context) {
	kind := c.Param("kind")
	c.JSON(http.StatusOK, gin.H{
		"kind":    kind,
		"records": h.coordinator.Snapshot(kind),
	})
}

func (h *Handler) ManualSync(c *gin.Context) {
	if err := h.coordinator.ManualSync(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

type printRequest struct {
	Type      string             `json:"type"`
	Paper     receipt.PaperWidth `json:"paper"`
	Header    receipt.Header     `json:"header"`
	Items     []receipt.LineItem `json:"items" binding:"required"`
	Discount  float64            `json:"discount"`
	Charges   []receipt.Charge   `json:"charges"`
	Payments  []receipt.Payment  `json:"payments"`
	Reference string             `json:"reference"`
	Note      string             `json:"note"`
}

// Print encodes and dispatches a receipt or kitchen ticket. A failure answer
// carries retryable/fallback hints so the UI can offer automatic retry or an
// alternate (non-device) output path rather than failing silently.
func (h *Handler) Print(c *gin.Context) {
	var req printRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Paper == "" {
		req.Paper = receipt.Paper58
	}

	var payload []byte
	switch req.Type {
	case "", "receipt":
		job := receipt.PrintJob{
			Header:   req.Header,
			Items:    req.Items,
			Discount: req.Discount,
			Charges:  req.Charges,
			Payments: req.Payments,
			Paper:    req.Paper,
		}
		payload = receipt.Encode(&job)
	case "kitchen":
		ticket := receipt.KitchenTicket{
			Reference: req.Reference,
			Items:     req.Items,
			Note:      req.Note,
			Paper:     req.Paper,
		}
		payload = receipt.EncodeKitchenTicket(&ticket)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown print type %q", req.Type)})
		return
	}

	if err := h.dispatcher.Print(c.Request.Context(), payload); err != nil {
		status := http.StatusServiceUnavailable
		retryable := true
		if errors.Is(err, device.ErrNoWritableChannel) || errors.Is(err, device.ErrNotSupported) {
			status = http.StatusUnprocessableEntity
			retryable = false
		}
		c.JSON(status, gin.H{
			"error":     err.Error(),
			"retryable": retryable,
			"fallback":  true,
			"queued":    h.dispatcher.QueuedJobs(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "printed"})
}

func (h *Handler) QueueStatus(c *gin.Context) {
	pending, err := h.coordinator.PendingCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"print_queue":       h.dispatcher.QueuedJobs(),
		"pending_mutations": pending,
		"device_state":      h.link.State(),
		"online":            h.coordinator.Online(),
	})
}

func (h *Handler) DeviceState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":  h.link.State(),
		"device": h.link.DeviceName(),
	})
}

type connectRequest struct {
	ForceNewDevice bool `json:"force_new_device"`
}

func (h *Handler) DeviceConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.link.Connect(c.Request.Context(), req.ForceNewDevice); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, device.ErrDeviceNotFound) {
			status = http.StatusNotFound
		}
		if errors.Is(err, device.ErrNoWritableChannel) || errors.Is(err, device.ErrNotSupported) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":  h.link.State(),
		"device": h.link.DeviceName(),
	})
}

func (h *Handler) DeviceDisconnect(c *gin.Context) {
	h.link.Disconnect()
	c.JSON(http.StatusOK, gin.H{"state": h.link.State()})
}

// DeviceEvents streams link state transitions as server-sent events,
// starting with the current state.
func (h *Handler) DeviceEvents(c *gin.Context) {
	changes := make(chan device.StateChange, 8)
	cancel := h.link.Subscribe(func(change device.StateChange) {
		select {
		case changes <- change:
		default:
		}
	})
	defer cancel()

	h.stream(c, func(w io.Writer) bool {
		select {
		case change := <-changes:
			data, _ := json.Marshal(change)
			fmt.Fprintf(w, "data: %s\n\n", data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// RecordEvents streams record change events as server-sent events. Confirmed
// local writes and deduplicated external changes both land here, so a display
// refreshes without waiting for its own poll cycle.
func (h *Handler) RecordEvents(c *gin.Context) {
	events, cancel := h.coordinator.SubscribeChanges(c.Request.Context())
	defer cancel()

	h.stream(c, func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) Connectivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.coordinator.Online()})
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

// SetConnectivity feeds the platform connectivity signal from the shell
// application; flipping back online triggers reconciliation.
func (h *Handler) SetConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.coordinator.SetOnline(req.Online)
	c.JSON(http.StatusOK, gin.H{"online": h.coordinator.Online()})
}

// ConnectivityEvents streams online/offline transitions as server-sent
// events, starting with the current state.
func (h *Handler) ConnectivityEvents(c *gin.Context) {
	changes := make(chan bool, 8)
	cancel := h.coordinator.SubscribeConnectivity(func(online bool) {
		select {
		case changes <- online:
		default:
		}
	})
	defer cancel()

	h.stream(c, func(w io.Writer) bool {
		select {
		case online := <-changes:
			fmt.Fprintf(w, "data: {\"online\":%t}\n\n", online)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) stream(c *gin.Context, step func(io.Writer) bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(step)
}
