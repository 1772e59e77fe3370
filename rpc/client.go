package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
)

// Client talks to the ceremony services over a single connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Extra options are appended to the defaults.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Join(ctx context.Context, p ceremony.ParticipantID, role ceremony.Role) (*ceremony.ParticipantInfo, error) {
	var out JoinResponse
	err := c.conn.Invoke(ctx, fullMethod(ParticipantServiceName, "Join"), &JoinRequest{Participant: p, Role: role}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Participant, nil
}

func (c *Client) RequestChunk(ctx context.Context, p ceremony.ParticipantID) (*ceremony.Assignment, error) {
	var out RequestChunkResponse
	err := c.conn.Invoke(ctx, fullMethod(ParticipantServiceName, "RequestChunk"), &RequestChunkRequest{Participant: p}, &out)
	if err != nil {
		return nil, err
	}
	return out.Assignment, nil
}

func (c *Client) SubmitContribution(
	ctx context.Context,
	p ceremony.ParticipantID,
	lock ceremony.LockHandle,
	payload []byte,
) (*ceremony.ContributionRecord, error) {
	var out SubmitContributionResponse
	in := &SubmitContributionRequest{Participant: p, Lock: lock, Payload: payload}
	if err := c.conn.Invoke(ctx, fullMethod(ParticipantServiceName, "SubmitContribution"), in, &out); err != nil {
		return nil, err
	}
	return out.Record, nil
}

func (c *Client) Status(ctx context.Context) (*ceremony.CeremonyStatus, error) {
	var out StatusResponse
	if err := c.conn.Invoke(ctx, fullMethod(ParticipantServiceName, "Status"), &StatusRequest{}, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

func (c *Client) Transcript(ctx context.Context) (*ceremony.Transcript, error) {
	var out TranscriptResponse
	if err := c.conn.Invoke(ctx, fullMethod(ParticipantServiceName, "Transcript"), &TranscriptRequest{}, &out); err != nil {
		return nil, err
	}
	return out.Transcript, nil
}

func (c *Client) Audit(ctx context.Context, p ceremony.ParticipantID, round, chunk uint32) (*ceremony.AuditResult, error) {
	var out AuditResponse
	in := &AuditRequest{Participant: p, Round: round, Chunk: chunk}
	if err := c.conn.Invoke(ctx, fullMethod(ParticipantServiceName, "Audit"), in, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// RunCommand runs an operator command. data is encoded as JSON.
func (c *Client) RunCommand(ctx context.Context, command string, data any) (json.RawMessage, error) {
	in := &RunCommandRequest{Command: command}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding command data: %w", err)
		}
		in.Data = raw
	}
	var out RunCommandResponse
	if err := c.conn.Invoke(ctx, fullMethod(AdminServiceName, "RunCommand"), in, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (c *Client) ListCommands(ctx context.Context) ([]string, error) {
	var out ListCommandsResponse
	if err := c.conn.Invoke(ctx, fullMethod(AdminServiceName, "ListCommands"), &ListCommandsRequest{}, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}
