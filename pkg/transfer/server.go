package transfer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/stagehand-cms/stagehand/pkg/publish"
)

// Server is the receiving side of a transfer: it accepts bundle uploads and
// status callbacks from a sending installation.
type Server struct {
	mux      *http.ServeMux
	importer *Importer
	engine   *publish.Engine
	tokens   *TokenIssuer
	dropDir  string
	log      *logrus.Logger
}

func NewServer(importer *Importer, engine *publish.Engine, tokens *TokenIssuer, dropDir string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		mux:      http.NewServeMux(),
		importer: importer,
		engine:   engine,
		tokens:   tokens,
		dropDir:  dropDir,
		log:      logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /import/{type}/{workspaceID}", s.handleImport)
	s.mux.HandleFunc("POST /status/{statusType}/{workspaceID}", s.handleStatus)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleImport receives one bundle file for a workspace and parks it in the
// drop directory until the sender signals ready.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	objectType := r.PathValue("type")
	wsID := r.PathValue("workspaceID")

	if objectType != ObjectData && objectType != ObjectFiles {
		s.log.WithField("workspace", wsID).Warnf("import rejected: unknown object type %q", objectType)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, wsID, fmt.Errorf("reading upload: %w", err))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		s.fail(w, wsID, fmt.Errorf("upload has no usable filename"))
		return
	}

	// The token binds the filename, so validation has to wait for the
	// multipart header; nothing is written before it passes.
	if err := s.tokens.Validate(r.URL.Query().Get("token"), wsID, name); err != nil {
		s.log.WithField("workspace", wsID).Warnf("import rejected: %v", err)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	target := filepath.Join(s.dropDir, wsID, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		s.fail(w, wsID, err)
		return
	}
	out, err := os.Create(target)
	if err != nil {
		s.fail(w, wsID, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		s.fail(w, wsID, err)
		return
	}
	if err := out.Close(); err != nil {
		s.fail(w, wsID, err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"workspace": wsID,
		"type":      objectType,
		"file":      name,
	}).Info("bundle file received")
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reacts to lifecycle callbacks: ready imports the parked
// bundle, publish and revert run the publication engine.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statusType := r.PathValue("statusType")
	wsID := r.PathValue("workspaceID")

	if err := s.tokens.Validate(r.URL.Query().Get("token"), statusType, wsID); err != nil {
		s.log.WithField("workspace", wsID).Warnf("status callback rejected: %v", err)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	var err error
	switch statusType {
	case StatusReady:
		err = s.importer.Import(r.Context(), filepath.Join(s.dropDir, wsID, ArchiveName), wsID)
	case StatusPublish:
		_, err = s.engine.Publish(r.Context(), wsID)
	case StatusRevert:
		err = s.importer.RevertImported(r.Context(), wsID)
	default:
		err = fmt.Errorf("unknown status type %q", statusType)
	}
	if err != nil {
		s.fail(w, wsID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail answers 500. The client gets a single failure line; the details stay
// in the log.
func (s *Server) fail(w http.ResponseWriter, wsID string, err error) {
	s.log.WithField("workspace", wsID).Errorf("transfer request failed: %v", err)
	msg := "transfer failed"
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		msg = integrity.Error()
	}
	http.Error(w, msg, http.StatusInternalServerError)
}
