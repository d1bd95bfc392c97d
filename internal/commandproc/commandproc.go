// Package commandproc implements the command processor: a single
// subscriber on `ghost:commands` dispatching to a fixed handler table
// and publishing a CommandResponse back on the caller's chosen
// channel.
package commandproc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
	"ghost/internal/model"
	"ghost/internal/supervisor"
	"ghost/internal/tracker"
	"ghost/internal/worker"
)

// Command type names, one per handler-table entry.
const (
	CommandPing        = "ping"
	CommandRegister    = "register"
	CommandStart       = "start"
	CommandStop        = "stop"
	CommandRestart     = "restart"
	CommandStatus      = "status"
	CommandRun         = "run"
	CommandConnections = "connections"
)

// handlerFunc produces the Data payload of a successful response, or an
// error that becomes the response's Error string.
type handlerFunc func(ctx context.Context, cmd model.SystemCommand) ([]byte, error)

// Processor is the Command Processor.
type Processor struct {
	cfg        *config.Config
	log        logger.Logger
	supervisor *supervisor.Supervisor
	tracker    *tracker.Tracker
	bus        bus.Port
	worker     worker.Pool
	startedAt  time.Time
	table      map[string]handlerFunc

	sub *bus.Subscription
}

// New constructs a Processor. Call Start to begin consuming commands.
func New(cfg *config.Config, sup *supervisor.Supervisor, tr *tracker.Tracker, b bus.Port, wp worker.Pool, log logger.Logger) *Processor {
	p := &Processor{
		cfg:        cfg,
		log:        log.WithComponent("COMMANDPROC"),
		supervisor: sup,
		tracker:    tr,
		bus:        b,
		worker:     wp,
		startedAt:  time.Now(),
	}

	p.table = map[string]handlerFunc{
		CommandPing:        p.handlePing,
		CommandRegister:    p.handleRegister,
		CommandStart:       p.handleStart,
		CommandStop:        p.handleStop,
		CommandRestart:     p.handleRestart,
		CommandStatus:      p.handleStatus,
		CommandRun:         p.handleRun,
		CommandConnections: p.handleConnections,
	}

	return p
}

// Start subscribes to the commands channel and begins dispatching.
func (p *Processor) Start(ctx context.Context) error {
	sub, err := p.bus.Subscribe(ctx, config.TopicCommands)
	if err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}

	p.sub = sub

	go p.loop(sub)

	return nil
}

// Close cancels the commands subscription.
func (p *Processor) Close() {
	if p.sub != nil {
		p.sub.Cancel()
	}
}

func (p *Processor) loop(sub *bus.Subscription) {
	for msg := range sub.Messages() {
		cmd, err := bus.DecodeCommand(msg.Payload)
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to decode inbound command")
			continue
		}

		if err := p.worker.Acquire(context.Background()); err != nil {
			return
		}

		go p.dispatch(cmd)
	}
}

// dispatch runs one command's handler under the default handler
// timeout and always publishes a response, success or failure.
func (p *Processor) dispatch(cmd model.SystemCommand) {
	defer p.worker.Release()

	ctx, cancel := context.WithTimeout(context.Background(), config.CommandHandlerTimeout)
	defer cancel()

	resp := p.handle(ctx, cmd)
	p.publishResponse(ctx, cmd, resp)
}

// handle wraps the looked-up handler's body so a panic becomes a
// failure response instead of taking down the dispatch goroutine.
func (p *Processor) handle(ctx context.Context, cmd model.SystemCommand) (resp model.CommandResponse) {
	resp.CommandId = cmd.CommandId
	resp.Timestamp = time.Now().UTC()

	defer func() {
		if r := recover(); r != nil {
			resp.Success = false
			resp.Data = nil
			resp.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	fn, ok := p.table[cmd.CommandType]
	if !ok {
		resp.Success = false
		resp.Error = "unknown command"

		return resp
	}

	data, err := fn(ctx, cmd)
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()

		return resp
	}

	resp.Success = true
	resp.Data = data

	return resp
}

func (p *Processor) publishResponse(ctx context.Context, cmd model.SystemCommand, resp model.CommandResponse) {
	channel := cmd.Parameters["responseChannel"]
	if channel == "" {
		channel = config.TopicResponses
	}

	payload := bus.EncodeResponse(resp)

	if _, err := p.bus.Publish(ctx, channel, payload, model.PriorityNormal, "command_response", config.TTLNormal); err != nil {
		p.log.Warn().Err(err).Str("commandId", cmd.CommandId).Msg("failed to publish command response")
	}
}

type daemonStatus struct {
	UptimeSeconds float64
	ProcessCount  int
	ConnectedApps int
}

func (p *Processor) handlePing(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	status := daemonStatus{
		UptimeSeconds: time.Since(p.startedAt).Seconds(),
		ProcessCount:  len(p.supervisor.StatusAll()),
		ConnectedApps: len(p.tracker.List()),
	}

	return json.Marshal(status)
}

func (p *Processor) handleRegister(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	raw := cmd.Data
	if len(raw) == 0 {
		raw = []byte(cmd.Parameters["registration"])
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("register requires Data or Parameters.registration")
	}

	var reg model.ProcessRegistration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("parse registration: %w", err)
	}

	if _, err := p.supervisor.Register(ctx, reg, false); err != nil {
		return nil, err
	}

	p.tracker.Register(reg.Id, reg, false)

	return nil, nil
}

func targetID(cmd model.SystemCommand) string {
	if cmd.TargetProcessId != "" {
		return cmd.TargetProcessId
	}

	return cmd.Parameters["processId"]
}

func (p *Processor) handleStart(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	id := targetID(cmd)
	if id == "" {
		return nil, fmt.Errorf("start requires processId")
	}

	info, err := p.supervisor.Start(ctx, id)
	if err != nil {
		return nil, err
	}

	return json.Marshal(info)
}

func (p *Processor) handleStop(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	id := targetID(cmd)
	if id == "" {
		return nil, fmt.Errorf("stop requires processId")
	}

	info, err := p.supervisor.Stop(ctx, id)
	if err != nil {
		return nil, err
	}

	return json.Marshal(info)
}

func (p *Processor) handleRestart(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	id := targetID(cmd)
	if id == "" {
		return nil, fmt.Errorf("restart requires processId")
	}

	info, err := p.supervisor.Restart(ctx, id)
	if err != nil {
		return nil, err
	}

	return json.Marshal(info)
}

func (p *Processor) handleStatus(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	if id := targetID(cmd); id != "" {
		info, ok := p.supervisor.Status(id)
		if !ok {
			return nil, fmt.Errorf("%w: process %s", ghosterr.ErrNotFound, id)
		}

		return json.Marshal(info)
	}

	return json.Marshal(p.supervisor.StatusAll())
}

// handleRun builds a registration from appId/appPath/args/env:*/watch
// parameters and registers it as a one-shot run.
func (p *Processor) handleRun(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	appID := cmd.Parameters["appId"]
	appPath := cmd.Parameters["appPath"]

	if appID == "" || appPath == "" {
		return nil, fmt.Errorf("run requires appId and appPath")
	}

	env := make(map[string]string)

	for k, v := range cmd.Parameters {
		if name, ok := strings.CutPrefix(k, "env:"); ok {
			env[name] = v
		}
	}

	reg := model.ProcessRegistration{
		Id:             appID,
		Name:           appID,
		Type:           model.TypeApp,
		ExecutablePath: appPath,
		Arguments:      parseArgs(cmd.Parameters["args"]),
		Environment:    env,
		Configuration: map[string]string{
			supervisor.ConfigAppType: string(model.AppTypeOneShot),
			supervisor.ConfigWatch:   cmd.Parameters["watch"],
		},
	}

	if _, err := p.supervisor.Register(ctx, reg, true); err != nil {
		return nil, err
	}

	p.tracker.Register(reg.Id, reg, false)

	info, err := p.supervisor.Start(ctx, appID)
	if err != nil {
		return nil, err
	}

	return json.Marshal(info)
}

func (p *Processor) handleConnections(ctx context.Context, cmd model.SystemCommand) ([]byte, error) {
	return json.Marshal(p.tracker.List())
}

func parseArgs(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
