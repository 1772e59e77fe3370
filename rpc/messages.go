package rpc

import (
	"encoding/json"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

type JoinRequest struct {
	Participant ceremony.ParticipantID `json:"participant"`
	Role        ceremony.Role          `json:"role"`
}

type JoinResponse struct {
	Participant ceremony.ParticipantInfo `json:"participant"`
}

type RequestChunkRequest struct {
	Participant ceremony.ParticipantID `json:"participant"`
}

type RequestChunkResponse struct {
	Assignment *ceremony.Assignment `json:"assignment"`
}

type SubmitContributionRequest struct {
	Participant ceremony.ParticipantID `json:"participant"`
	Lock        ceremony.LockHandle    `json:"lock"`
	Payload     []byte                 `json:"payload"`
}

type SubmitContributionResponse struct {
	Record *ceremony.ContributionRecord `json:"record"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Status ceremony.CeremonyStatus `json:"status"`
}

type TranscriptRequest struct{}

type TranscriptResponse struct {
	Transcript *ceremony.Transcript `json:"transcript"`
}

type AuditRequest struct {
	Participant ceremony.ParticipantID `json:"participant"`
	Round       uint32                 `json:"round"`
	Chunk       uint32                 `json:"chunk"`
}

type AuditResponse struct {
	Result *ceremony.AuditResult `json:"result"`
}

type RunCommandRequest struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type RunCommandResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type ListCommandsRequest struct{}

type ListCommandsResponse struct {
	Commands []string `json:"commands"`
}
