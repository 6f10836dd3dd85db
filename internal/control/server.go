// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package control implementa o servidor de controle TCP do nrecorder:
// requests delimitados por newline (palavra simples ou objeto JSON) e uma
// resposta JSON por request.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/config"
	"github.com/nishisan-dev/n-recorder/internal/recorder"
)

// maxRequestLine limita o tamanho de um request para proteger contra input
// malformado.
const maxRequestLine = 64 * 1024

// Server atende clientes de controle e traduz comandos em chamadas ao
// recorder. Fechar uma conexão nunca afeta o estado da sessão.
type Server struct {
	cfg    config.ControlInfo
	rec    *recorder.Recorder
	logger *slog.Logger
}

// NewServer cria um Server para o recorder.
func NewServer(cfg config.ControlInfo, rec *recorder.Recorder, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		rec:    rec,
		logger: logger.With("component", "control"),
	}
}

// Run abre o listener configurado e bloqueia até o context ser cancelado.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.logger.Info("control server listening", "address", s.cfg.Addr())
	return s.RunWithListener(ctx, ln)
}

// RunWithListener roda o accept loop sobre um listener existente (testes).
func (s *Server) RunWithListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	// Backoff para prevenir hot loop em erros consecutivos de accept.
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info("control server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("accepting control connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		go s.handleConn(ctx, conn)
	}
}

// request é a forma JSON de um comando: {"command": "...", "args": [...]}.
// args aceita lista de strings ou uma string única.
type request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

type respError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type response struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *respError `json:"error,omitempty"`
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("control client connected", "remote", remote)
	defer s.logger.Debug("control client disconnected", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxRequestLine)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp := s.dispatch(line)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("writing control response", "error", err, "remote", remote)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("control connection read ended", "error", err, "remote", remote)
	}
}

// dispatch interpreta uma linha de request e executa o comando.
func (s *Server) dispatch(line string) response {
	command, args, err := parseRequest(line)
	if err != nil {
		return errResponse(recorder.KindBadRequest, err.Error())
	}

	result, err := s.execute(command, args)
	if err != nil {
		return errResponse(recorder.KindOf(err), err.Error())
	}
	return response{OK: true, Result: result}
}

// parseRequest aceita a forma JSON {command, args} ou a forma bare word com
// argumentos separados por espaço.
func parseRequest(line string) (string, []string, error) {
	if strings.HasPrefix(line, "{") {
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return "", nil, fmt.Errorf("malformed json request: %v", err)
		}
		if req.Command == "" {
			return "", nil, fmt.Errorf("json request missing \"command\"")
		}
		args, err := decodeArgs(req.Args)
		if err != nil {
			return "", nil, err
		}
		return req.Command, args, nil
	}

	fields := strings.Fields(line)
	return fields[0], fields[1:], nil
}

func decodeArgs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.Fields(single), nil
	}
	return nil, fmt.Errorf("\"args\" must be a string or a list of strings")
}

// execute mapeia comandos 1:1 para métodos do recorder.
func (s *Server) execute(command string, args []string) (any, error) {
	switch command {
	case "status":
		return s.rec.Status(), nil

	case "streams":
		return toStreamInfos(s.rec.AvailableStreams()), nil

	case "update":
		streams, err := s.rec.UpdateStreams()
		if err != nil {
			return nil, err
		}
		return toStreamInfos(streams), nil

	case "select":
		return s.rec.Select(args)

	case "start":
		if err := s.rec.Start(); err != nil {
			return nil, err
		}
		return map[string]bool{"recording": true}, nil

	case "stop":
		if err := s.rec.Stop(); err != nil {
			return nil, err
		}
		return map[string]bool{"recording": false}, nil

	case "filename":
		if len(args) == 0 {
			return nil, recorder.Errorf(recorder.KindBadRequest, "filename requires a spec argument")
		}
		return s.rec.SetFilename(strings.Join(args, " "))

	case "get_filename":
		return s.rec.Filename(), nil

	default:
		return nil, recorder.Errorf(recorder.KindBadRequest, "unknown command %q", command)
	}
}

func errResponse(kind recorder.Kind, message string) response {
	return response{OK: false, Error: &respError{Kind: string(kind), Message: message}}
}
