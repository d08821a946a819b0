package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gluk-w/claworc/ptyreplica/internal/recording"
	"github.com/gluk-w/claworc/ptyreplica/internal/replica"
	"github.com/gluk-w/claworc/ptyreplica/internal/tokenstore"
)

// Replica is set from main.go during init. Session endpoints answer 503
// while it is nil.
var Replica *replica.Session

// Recorder is set from main.go when recording is enabled.
var Recorder *recording.Recording

// Tokens persists the remote host token.
var Tokens tokenstore.Store

// connectTimeout bounds how long POST /session/connect waits for the
// handshake. The dial itself keeps going if the client gives up.
const connectTimeout = 30 * time.Second

func requireReplica(w http.ResponseWriter) bool {
	if Replica == nil {
		writeError(w, http.StatusServiceUnavailable, "Session not initialized")
		return false
	}
	return true
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	writeJSON(w, http.StatusOK, Replica.Status())
}

func ConnectSession(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	if err := Replica.Connect(ctx); err != nil {
		switch {
		case errors.Is(err, replica.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "Session closed")
		case errors.Is(err, replica.ErrDisconnected):
			writeError(w, http.StatusConflict, "Disconnected while connecting")
		case errors.Is(err, tokenstore.ErrNoToken):
			writeError(w, http.StatusPreconditionFailed, "No server token configured")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "Timed out connecting to remote host")
		default:
			log.Printf("[gateway] connect failed: %v", err)
			writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to connect: %v", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, Replica.Status())
}

func DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	Replica.Disconnect()
	writeJSON(w, http.StatusOK, Replica.Status())
}

// ResetSession starts a fresh logical session. The recording restarts with
// it.
func ResetSession(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	Replica.Reset()
	if Recorder != nil {
		Recorder.Reset()
	}
	writeJSON(w, http.StatusOK, Replica.Status())
}

// ExitSession asks the remote host to end the process.
func ExitSession(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	Replica.RequestExit()
	w.WriteHeader(http.StatusAccepted)
}

func MarkSessionRead(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	Replica.MarkRead()
	w.WriteHeader(http.StatusNoContent)
}

type keepAliveRequest struct {
	Enabled *bool `json:"enabled"`
}

func SetSessionKeepAlive(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	var req keepAliveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	Replica.SetKeepAlive(*req.Enabled)
	writeJSON(w, http.StatusOK, Replica.Status())
}

// GetSessionScreen returns the canonical screen. With ?format=text the body
// is the plain screen text.
func GetSessionScreen(w http.ResponseWriter, r *http.Request) {
	if !requireReplica(w) {
		return
	}
	st := Replica.ScreenState()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(st.Text))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetSessionRecording exports the recording as JSON entries (default), an
// asciicast file (?format=cast) or a plain transcript (?format=text).
func GetSessionRecording(w http.ResponseWriter, r *http.Request) {
	if Recorder == nil {
		writeError(w, http.StatusNotFound, "Recording is disabled")
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		data, err := Recorder.ExportJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	case "cast":
		cols, rows := 80, 24
		if Replica != nil {
			st := Replica.Status()
			cols, rows = st.Cols, st.Rows
		}
		data, err := Recorder.ExportCast(cols, rows)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/x-asciicast")
		w.Header().Set("Content-Disposition", `attachment; filename="session.cast"`)
		w.Write(data)
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(Recorder.Transcript()))
	default:
		writeError(w, http.StatusBadRequest, "format must be json, cast or text")
	}
}

func GetServerToken(w http.ResponseWriter, r *http.Request) {
	masked := Tokens.Masked()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured": masked != "",
		"token":      masked,
	})
}

type serverTokenRequest struct {
	Token string `json:"token"`
}

// PutServerToken stores the token used on the next connect. An empty token
// clears it.
func PutServerToken(w http.ResponseWriter, r *http.Request) {
	var req serverTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := Tokens.SetToken(req.Token); err != nil {
		log.Printf("[gateway] save server token: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to save token")
		return
	}
	GetServerToken(w, r)
}
