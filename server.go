package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cmd represents a serve command type.
type Cmd string

const (
	CmdStatus     = Cmd("status")
	CmdInvalidate = Cmd("invalidate")
	CmdBuild      = Cmd("build")
	CmdClose      = Cmd("close")
)

// Request is one line read from the client.
type Request struct {
	ID      int64
	Command Cmd
	// Instance selects the cache for invalidate: "status" or "build".
	Instance string `json:",omitempty"`
	Key      string `json:",omitempty"`
}

// Response is one line written back to the client.
type Response struct {
	ID            int64      `json:",omitempty"`
	Err           string     `json:",omitempty"`
	KnownCommands []Cmd      `json:",omitempty"`
	Membership    string     `json:",omitempty"`
	Path          string     `json:",omitempty"`
	ModTime       *time.Time `json:",omitempty"`
	Resolution    string     `json:",omitempty"`
	Stale         bool       `json:",omitempty"`
}

// Server answers line-delimited JSON requests for long-lived clients such as
// workflow engines, which would otherwise spawn one process per check.
// Requests run concurrently; responses are matched by ID.
type Server struct {
	backend Backend
	scanner *bufio.Scanner
	logger  *slog.Logger

	mu     sync.Mutex
	writer *bufio.Writer
}

// NewServer creates a server reading requests from r and writing responses
// to w.
func NewServer(backend Backend, r io.Reader, w io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	scanner := bufio.NewScanner(r)
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &Server{
		backend: backend,
		scanner: scanner,
		logger:  logger,
		writer:  bufio.NewWriter(w),
	}
}

// SendResponse writes one response line.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return s.writer.Flush()
}

// SendInitialResponse advertises the supported commands.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdStatus, CmdInvalidate, CmdBuild, CmdClose},
	})
}

// ReadRequest reads the next non-empty request line.
func (s *Server) ReadRequest() (*Request, error) {
	var line string
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}
		line = s.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest processes a single request and sends its response.
func (s *Server) HandleRequest(ctx context.Context, req *Request) error {
	resp := Response{ID: req.ID}

	switch req.Command {
	case CmdStatus:
		m, err := s.backend.CheckMembership(ctx, req.Key)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Membership = m.String()
		}

	case CmdBuild:
		h, err := s.backend.Build(ctx, req.Key)
		if err != nil {
			resp.Err = err.Error()
		} else {
			modTime := h.ModTime
			resp.Path = h.Path
			resp.ModTime = &modTime
			resp.Resolution = h.Resolution.String()
			resp.Stale = h.Stale
		}

	case CmdInvalidate:
		if err := s.backend.Invalidate(ctx, req.Instance, req.Key); err != nil {
			resp.Err = err.Error()
		}

	case CmdClose:
		if err := s.backend.Close(); err != nil {
			resp.Err = err.Error()
		}

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return s.SendResponse(resp)
}

// Run serves requests until close, EOF or ctx is done. In-flight requests
// are answered before close is.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	requests := make(chan *Request)

	// The scanner blocks in Read, so it runs apart from the ctx watcher.
	readErr := make(chan error, 1)
	go func() {
		defer close(requests)
		for {
			req, err := s.ReadRequest()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case requests <- req:
			case <-gctx.Done():
				return
			}
			if req.Command == CmdClose {
				return
			}
		}
	}()

	var closeReq *Request
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case req, ok := <-requests:
			if !ok {
				break loop
			}
			if req.Command == CmdClose {
				closeReq = req
				break loop
			}
			s.logger.Debug("serving request", "id", req.ID, "command", req.Command, "key", req.Key)
			g.Go(func() error {
				return s.HandleRequest(gctx, req)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to handle request: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case err := <-readErr:
		return err
	default:
	}

	if closeReq != nil {
		if err := s.HandleRequest(ctx, closeReq); err != nil {
			return fmt.Errorf("failed to handle close: %w", err)
		}
	}
	return nil
}
