package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

const maxRequestBody = 64 << 20

// NewGateway returns a REST proxy in front of the participant service reached through client.
func NewGateway(client *Client) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	g := &gateway{client: client}
	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/participants/{participant}/join", g.join},
		{http.MethodPost, "/v1/participants/{participant}/chunk", g.requestChunk},
		{http.MethodPost, "/v1/participants/{participant}/contributions", g.submit},
		{http.MethodGet, "/v1/status", g.status},
		{http.MethodGet, "/v1/transcript", g.transcript},
		{http.MethodGet, "/v1/audit/{round}/{chunk}", g.audit},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("registering %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

type gateway struct {
	client *Client
}

func (g *gateway) join(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body struct {
		Role ceremony.Role `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	info, err := g.client.Join(r.Context(), ceremony.ParticipantID(params["participant"]), body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &JoinResponse{Participant: *info})
}

func (g *gateway) requestChunk(w http.ResponseWriter, r *http.Request, params map[string]string) {
	assignment, err := g.client.RequestChunk(r.Context(), ceremony.ParticipantID(params["participant"]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &RequestChunkResponse{Assignment: assignment})
}

func (g *gateway) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body struct {
		Lock    ceremony.LockHandle `json:"lock"`
		Payload []byte              `json:"payload"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	record, err := g.client.SubmitContribution(r.Context(), ceremony.ParticipantID(params["participant"]), body.Lock, body.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &SubmitContributionResponse{Record: record})
}

func (g *gateway) status(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s, err := g.client.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &StatusResponse{Status: *s})
}

func (g *gateway) transcript(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	t, err := g.client.Transcript(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &TranscriptResponse{Transcript: t})
}

func (g *gateway) audit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	round, err := strconv.ParseUint(params["round"], 10, 32)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "round: %v", err))
		return
	}
	chunk, err := strconv.ParseUint(params["chunk"], 10, 32)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "chunk: %v", err))
		return
	}
	participant := ceremony.ParticipantID(r.URL.Query().Get("participant"))
	result, err := g.client.Audit(r.Context(), participant, uint32(round), uint32(chunk))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &AuditResponse{Result: result})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "reading body: %v", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding body: %v", err)
	}
	return nil
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	s := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(s.Code()))
	_ = json.NewEncoder(w).Encode(errorBody{Code: int(s.Code()), Message: s.Message()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
