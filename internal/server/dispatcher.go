package server

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/stenoproject/stenod/internal/broadcast"
	"github.com/stenoproject/stenod/internal/domain"
	"github.com/stenoproject/stenod/internal/engine"
	"github.com/stenoproject/stenod/internal/log"
	"github.com/stenoproject/stenod/internal/protocol"
)

// Dispatcher maps decoded command lines onto engine and broadcaster calls.
// Every received line gets exactly one response; a malformed line is answered,
// never punished with a disconnect.
type Dispatcher struct {
	engine      *engine.Engine
	broadcaster *broadcast.Broadcaster
	// defaultSystemAudio applies when a start command omits the flag.
	defaultSystemAudio bool
	logger             zerolog.Logger
}

// NewDispatcher builds a dispatcher over the engine and broadcaster.
func NewDispatcher(eng *engine.Engine, b *broadcast.Broadcaster, defaultSystemAudio bool) *Dispatcher {
	return &Dispatcher{
		engine:             eng,
		broadcaster:        b,
		defaultSystemAudio: defaultSystemAudio,
		logger:             log.WithComponent("dispatch"),
	}
}

// Handle executes one command line and returns the response to write back.
func (d *Dispatcher) Handle(ctx context.Context, c *Conn, line []byte) protocol.Response {
	var cmd protocol.Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		d.logger.Debug().Err(err).Str(log.FieldClientID, c.ID()).Msg("undecodable command line")
		return protocol.ErrorResponse("bad command")
	}

	switch cmd.Cmd {
	case protocol.CmdStatus:
		return d.status()
	case protocol.CmdDevices:
		return d.devices(ctx)
	case protocol.CmdStart:
		return d.start(ctx, cmd)
	case protocol.CmdStop:
		return d.stop(ctx)
	case protocol.CmdSubscribe:
		return d.subscribe(c, cmd)
	default:
		return protocol.ErrorResponse("bad command")
	}
}

func (d *Dispatcher) status() protocol.Response {
	st := d.engine.Status()
	recording := st == domain.StatusRecording
	resp := protocol.Response{OK: true, Status: string(st), Recording: &recording}
	if sess, ok := d.engine.CurrentSession(); ok {
		resp.SessionID = sess.ID
		segments := d.engine.SegmentCount()
		resp.Segments = &segments
		resp.Device = d.engine.CurrentDevice()
		sysAudio := d.engine.SystemAudioEnabled()
		resp.SystemAudio = &sysAudio
	}
	return resp
}

func (d *Dispatcher) devices(ctx context.Context) protocol.Response {
	devices, err := d.engine.Devices(ctx)
	if err != nil {
		return protocol.ErrorResponse("device enumeration failed: " + err.Error())
	}
	if devices == nil {
		devices = []string{}
	}
	return protocol.Response{OK: true, Devices: devices}
}

func (d *Dispatcher) start(ctx context.Context, cmd protocol.Command) protocol.Response {
	systemAudio := d.defaultSystemAudio
	if cmd.SystemAudio != nil {
		systemAudio = *cmd.SystemAudio
	}
	sess, err := d.engine.Start(ctx, cmd.Locale, cmd.Device, systemAudio)
	if err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	return protocol.Response{OK: true, SessionID: sess.ID}
}

func (d *Dispatcher) stop(ctx context.Context) protocol.Response {
	sess, active := d.engine.CurrentSession()
	segments := d.engine.SegmentCount()
	if err := d.engine.Stop(ctx); err != nil {
		return protocol.ErrorResponse(err.Error())
	}
	resp := protocol.Response{OK: true}
	if active {
		resp.SessionID = sess.ID
		resp.Segments = &segments
	}
	return resp
}

func (d *Dispatcher) subscribe(c *Conn, cmd protocol.Command) protocol.Response {
	tags := make([]protocol.EventTag, 0, len(cmd.Events))
	for _, name := range cmd.Events {
		if !protocol.ValidEventTag(name) {
			return protocol.ErrorResponse("unknown event: " + name)
		}
		tags = append(tags, protocol.EventTag(name))
	}
	d.broadcaster.Subscribe(c, tags)
	return protocol.Response{OK: true}
}
