package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/audio"
	"github.com/blwfish/test-and-calibration-track/internal/rpc"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// ErrNothingToDo is returned when no audio operation was selected.
var ErrNothingToDo = errors.New("one of --roster-id, --list or --set-reference is required")

// AudioOptions select one audio calibration operation. SetReference wins
// over List, which wins over Members and RosterID.
type AudioOptions struct {
	RosterID     string
	ReferenceID  string
	SetReference string
	List         bool
	Members      bool
	// Member is the consist member address to adjust.
	Member *int
	Apply  bool
	DryRun bool
}

// AudioEnv is where the audio tool runs. Dial is only called when a CV
// must be read or written; nil dials MQTT at Transport.
type AudioEnv struct {
	Transport Transport
	ClientID  string
	DBPath    string
	Dial      func() (transport.Bus, error)
	CVTimeout time.Duration
	Out       io.Writer
	Log       logrus.FieldLogger
}

// RunAudioCalibrate performs the selected operation against the database
// and, unless dry running, the programming track.
func RunAudioCalibrate(ctx context.Context, env AudioEnv, opts AudioOptions) error {
	log := env.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}
	w := env.Out

	store, err := storage.Open(ctx, env.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	adv := &audio.Advisor{Store: store, DryRun: opts.DryRun, Log: log}

	switch {
	case opts.SetReference != "":
		warning, err := adv.SetReference(ctx, opts.SetReference)
		if err != nil {
			return fmt.Errorf("set reference %q: %w", opts.SetReference, err)
		}
		fmt.Fprintf(w, "Audio reference set to %s\n", bold(opts.SetReference))
		if warning != "" {
			fmt.Fprintln(w, yellow("warning: %s", warning))
		}
		return nil

	case opts.List:
		entries, stats, err := audio.Fleet(ctx, store)
		if err != nil {
			return err
		}
		PrintFleet(w, entries, stats)
		return nil

	case opts.Members:
		if opts.RosterID == "" {
			return ErrNothingToDo
		}
		members, err := store.ConsistMembers(ctx, opts.RosterID, false)
		if err != nil {
			return err
		}
		PrintMembers(w, opts.RosterID, members)
		return nil

	case opts.RosterID == "":
		return ErrNothingToDo
	}

	if !opts.DryRun {
		bus, err := dialAudio(env, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		bridge, err := rpc.New(bus, transport.NewTopics(env.Transport.Prefix), log)
		if err != nil {
			return err
		}
		bridge.CVTimeout = env.CVTimeout
		adv.CV = bridge
	}

	res, err := adv.Advise(ctx, audio.Request{
		Target:        opts.RosterID,
		Reference:     opts.ReferenceID,
		MemberAddress: opts.Member,
		Apply:         opts.Apply,
	})
	if res != nil && res.Target.RosterID != "" && res.Reference.RosterID != "" {
		PrintAdvice(w, res, opts.DryRun)
	}
	if errors.Is(err, audio.ErrNoReference) {
		return fmt.Errorf("%w; set one with --set-reference ROSTER_ID", err)
	}
	return err
}

func dialAudio(env AudioEnv, log logrus.FieldLogger) (transport.Bus, error) {
	if env.Dial != nil {
		return env.Dial()
	}
	log.Infof("broker %s:%d (%s)", env.Transport.Broker, env.Transport.Port, env.Transport.BrokerSource)
	m, err := transport.DialMQTT(transport.MQTTOptions{
		Broker:   env.Transport.Broker,
		Port:     env.Transport.Port,
		ClientID: env.ClientID,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
