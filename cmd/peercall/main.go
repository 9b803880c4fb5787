// Command peercall is the terminal client: it dials the relay, keeps the
// roster, and drives calls from stdin commands.
//
// Commands: call <peer-id>, accept, decline, end, roster, quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/config"
	"github.com/peercall/peercall/internal/roster"
	"github.com/peercall/peercall/internal/signaling"
	"github.com/peercall/peercall/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	relayURL, err := relayURLFor(cfg)
	if err != nil {
		logger.Error("invalid relay url", "err", err)
		os.Exit(2)
	}

	api, err := call.NewAPI(cfg)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := transport.Dial(ctx, transport.Config{
		URL:             relayURL,
		DisplayName:     cfg.DisplayName,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to dial relay", "url", relayURL, "err", err)
		os.Exit(1)
	}
	defer ch.Close()

	fmt.Printf("connected as %s\n", ch.PeerID())

	friends := roster.NewProjector()
	machine := call.NewMachine(call.MachineConfig{
		Sender:             ch,
		NewNegotiator:      call.NewNegotiatorFactory(api, cfg.ICEServers, logger),
		Roster:             friends,
		Events:             &consoleEvents{},
		Logger:             logger,
		PendingCallTimeout: cfg.PendingCallTimeout,
	})

	go dispatch(ch, machine, friends, logger)
	go prompt(machine, friends, logger, stop)

	select {
	case <-ctx.Done():
	case <-ch.Done():
		if err := ch.Err(); err != nil {
			logger.Error("relay connection lost", "err", err)
		}
	}

	machine.HandleTransportDown()
}

// relayURLFor rewrites the relay URL's trailing path element when a stable
// peer ID is configured.
func relayURLFor(cfg config.Config) (string, error) {
	if cfg.PeerID == "" {
		return cfg.RelayURL, nil
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(path.Dir(u.Path), cfg.PeerID)
	return u.String(), nil
}

func dispatch(ch *transport.Channel, machine *call.Machine, friends *roster.Projector, logger *slog.Logger) {
	for env := range ch.Envelopes() {
		switch env.Type {
		case signaling.TypeRoster:
			entries, err := env.Roster()
			if err != nil {
				logger.Warn("bad roster update", "err", err)
				continue
			}
			friends.ApplyFullRoster(entries)
		case signaling.TypeError:
			fmt.Printf("relay: %s\n", env.Message)
		default:
			if err := machine.HandleEnvelope(env); err != nil {
				logger.Warn("signaling error", "type", env.Type, "from", env.SenderID, "err", err)
			}
		}
	}
}

func prompt(machine *call.Machine, friends *roster.Projector, logger *slog.Logger, quit func()) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "call":
			if len(fields) != 2 {
				fmt.Println("usage: call <peer-id>")
				continue
			}
			err = machine.StartCall(fields[1])
		case "accept":
			err = machine.AcceptCall()
		case "decline":
			err = machine.DeclineCall()
		case "end":
			err = machine.EndCall()
		case "roster":
			for _, e := range friends.Entries() {
				fmt.Printf("  %s  %s\n", e.ID, e.FullName)
			}
		case "quit":
			quit()
			return
		default:
			fmt.Println("commands: call <peer-id>, accept, decline, end, roster, quit")
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

// consoleEvents prints call lifecycle transitions for the terminal user.
type consoleEvents struct{}

func (consoleEvents) IncomingCall(peerID, displayName string) {
	if displayName == "" {
		displayName = peerID
	}
	fmt.Printf("incoming call from %s (%s); accept or decline\n", displayName, peerID)
}

func (consoleEvents) CallConnected(peerID string) {
	fmt.Printf("call connected with %s\n", peerID)
}

func (consoleEvents) CallEnded(peerID string, reason call.EndReason) {
	fmt.Printf("call with %s ended (%s)\n", peerID, reason)
}

func (consoleEvents) RemoteTrack(peerID string, track *webrtc.TrackRemote) {
	fmt.Printf("receiving %s track from %s\n", track.Kind(), peerID)
}
