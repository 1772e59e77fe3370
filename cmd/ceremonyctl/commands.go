package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anoma/trusted-setup-ceremony/ceremony"
	"github.com/anoma/trusted-setup-ceremony/logging"
	"github.com/anoma/trusted-setup-ceremony/rpc"
	"github.com/anoma/trusted-setup-ceremony/verifier"
)

type statusCommand struct {
	cli *app
}

func (c *statusCommand) Execute([]string) error {
	client, err := connect(c.cli.ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := callContext(c.cli.ctx)
	defer cancel()
	s, err := client.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(s)
	return nil
}

func printStatus(s *ceremony.CeremonyStatus) {
	state := color.GreenString(s.Status.String())
	switch s.Status {
	case ceremony.StatusPaused:
		state = color.YellowString("%s (%s)", s.Status, s.PausedReason)
	case ceremony.StatusClosed:
		state = color.CyanString(s.Status.String())
	}
	fmt.Printf("ceremony      %s\n", s.ID)
	fmt.Printf("status        %s\n", state)
	fmt.Printf("round         %d/%d (%s)\n", s.CurrentRound+1, s.Rounds, s.Round.Status)
	fmt.Printf("chunks        %d, pending %v, locked %v\n", s.Chunks, s.Round.Pending, s.Round.Locked)
	fmt.Printf("contributions %d accepted, %d rejected this round\n", s.Round.Accepted, s.Round.Rejected)
	fmt.Printf("participants  %d\n", s.Participants)
}

type joinCommand struct {
	cli *app

	Participant string `long:"participant" description:"Participant identifier" required:"true"`
	Role        string `long:"role"        description:"Participant role"       default:"contributor" choice:"contributor" choice:"verifier"`
}

func (c *joinCommand) Execute([]string) error {
	role, err := ceremony.ParseRole(c.Role)
	if err != nil {
		return err
	}
	client, err := connect(c.cli.ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := callContext(c.cli.ctx)
	defer cancel()
	info, err := client.Join(ctx, ceremony.ParticipantID(c.Participant), role)
	if err != nil {
		return err
	}
	color.Green("joined %s as %s", info.ID, info.Role)
	return nil
}

type engineOptions struct {
	Verifier string `long:"verifier"    description:"Contribution format the coordinator verifies" default:"ptau" choice:"hashchain" choice:"ptau"`
	Powers   int    `long:"ptau-powers" description:"Number of G1 powers per chunk"                 default:"16"`
}

func (o engineOptions) engine() (verifier.Engine, error) {
	return verifier.New(o.Verifier, o.Powers)
}

type contributeCommand struct {
	cli *app
	engineOptions

	Participant string `long:"participant" description:"Participant identifier" required:"true"`
}

func (c *contributeCommand) Execute([]string) error {
	engine, err := c.engine()
	if err != nil {
		return err
	}
	client, err := connect(c.cli.ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()
	record, err := contribute(c.cli.ctx, client, engine, ceremony.ParticipantID(c.Participant))
	if err != nil {
		return err
	}
	color.Green("contribution to chunk %d of round %d accepted, digest %x", record.Chunk, record.Round, record.Digest)
	return nil
}

// contribute runs one request, compute and submit cycle.
func contribute(
	ctx context.Context,
	client *rpc.Client,
	engine verifier.Engine,
	p ceremony.ParticipantID,
) (*ceremony.ContributionRecord, error) {
	logger := logging.FromContext(ctx).With(zap.String("participant", string(p)))

	callCtx, cancel := callContext(ctx)
	a, err := client.RequestChunk(callCtx, p)
	cancel()
	if err != nil {
		return nil, err
	}
	logger.Debug("chunk assigned", zap.Object("lock", a.Lock))

	started := time.Now()
	payload, err := engine.Contribute(a.Predecessor, a.Payload)
	if err != nil {
		return nil, fmt.Errorf("computing contribution for chunk %d: %w", a.Lock.Chunk, err)
	}
	logger.Debug("contribution computed", zap.Duration("duration", time.Since(started)), zap.Int("size", len(payload)))

	callCtx, cancel = callContext(ctx)
	defer cancel()
	return client.SubmitContribution(callCtx, p, a.Lock, payload)
}

type simulateCommand struct {
	cli *app
	engineOptions

	Participants int           `long:"participants" description:"Number of concurrent contributors" default:"8"`
	Prefix       string        `long:"prefix"       description:"Participant identifier prefix"   default:"sim"`
	Backoff      time.Duration `long:"backoff"      description:"Wait when no chunk is available"  default:"200ms"`
}

func (c *simulateCommand) Execute([]string) error {
	engine, err := c.engine()
	if err != nil {
		return err
	}
	client, err := connect(c.cli.ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()

	var eg errgroup.Group
	results := make([]int, c.Participants)
	for i := 0; i < c.Participants; i++ {
		i := i
		p := ceremony.ParticipantID(fmt.Sprintf("%s-%d", c.Prefix, i))
		eg.Go(func() error {
			n, err := c.contributor(c.cli.ctx, client, engine, p)
			results[i] = n
			return err
		})
	}
	err = eg.Wait()
	for i, n := range results {
		fmt.Printf("%s-%d: %d accepted\n", c.Prefix, i, n)
	}
	return err
}

// contributor contributes until the ceremony closes and returns the number of
// accepted contributions.
func (c *simulateCommand) contributor(
	ctx context.Context,
	client *rpc.Client,
	engine verifier.Engine,
	p ceremony.ParticipantID,
) (int, error) {
	var accepted int
	for {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		record, err := contribute(ctx, client, engine, p)
		switch status.Code(err) {
		case codes.OK:
			accepted++
			color.Green("%s: chunk %d round %d accepted", p, record.Chunk, record.Round)
			continue
		case codes.InvalidArgument:
			color.Red("%s: %v", p, status.Convert(err).Message())
			return accepted, err
		case codes.ResourceExhausted, codes.Aborted:
		case codes.FailedPrecondition:
			callCtx, cancel := callContext(ctx)
			s, serr := client.Status(callCtx)
			cancel()
			if serr != nil {
				return accepted, serr
			}
			if s.Status == ceremony.StatusClosed {
				return accepted, nil
			}
		default:
			return accepted, err
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.Backoff):
		}
	}
}

type transcriptCommand struct {
	cli *app

	Out string `long:"out" description:"Write the transcript as JSON to this file instead of stdout"`
}

func (c *transcriptCommand) Execute([]string) error {
	client, err := connect(c.cli.ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := callContext(c.cli.ctx)
	defer cancel()
	t, err := client.Transcript(ctx)
	if err != nil {
		return err
	}
	if c.Out == "" {
		return printJSON(t)
	}
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.Out, out, 0o644); err != nil {
		return err
	}
	color.Green("transcript %s written to %s, root %x", t.ID, c.Out, t.Root)
	return nil
}

type auditCommand struct {
	cli *app

	Participant string `long:"participant" description:"Verifier identifier" required:"true"`
	Round       uint32 `long:"round"       description:"Round of the contribution"`
	Chunk       uint32 `long:"chunk"       description:"Chunk of the contribution"`
}

func (c *auditCommand) Execute([]string) error {
	client, err := connect(c.cli.ctx, false)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := callContext(c.cli.ctx)
	defer cancel()
	result, err := client.Audit(ctx, ceremony.ParticipantID(c.Participant), c.Round, c.Chunk)
	if err != nil {
		return err
	}
	if !result.Valid {
		color.Red("contribution of %s to chunk %d round %d is invalid: %s",
			result.Record.Participant, c.Chunk, c.Round, result.Reason)
		return errors.New("audit failed")
	}
	color.Green("contribution of %s to chunk %d round %d is valid", result.Record.Participant, c.Chunk, c.Round)
	return nil
}

type adminCommand struct {
	cli *app

	List bool `long:"list" description:"List the available commands"`
	Args struct {
		Command string `positional-arg-name:"command"`
		Data    string `positional-arg-name:"data" description:"JSON encoded command data"`
	} `positional-args:"yes"`
}

func (c *adminCommand) Execute([]string) error {
	client, err := connect(c.cli.ctx, true)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := callContext(c.cli.ctx)
	defer cancel()

	if c.List || c.Args.Command == "" {
		names, err := client.ListCommands(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}

	var data any
	if c.Args.Data != "" {
		if err := json.Unmarshal([]byte(c.Args.Data), &data); err != nil {
			return fmt.Errorf("command data is not valid JSON: %w", err)
		}
	}
	result, err := client.RunCommand(ctx, c.Args.Command, data)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return err
	}
	return printJSON(decoded)
}
