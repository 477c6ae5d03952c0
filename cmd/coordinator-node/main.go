package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
	"github.com/crunchdao/coordinator-node-starter/go/coordinator"
	"github.com/crunchdao/coordinator-node-starter/go/ops"
	"github.com/crunchdao/coordinator-node-starter/go/store"
)

// Config is the top-level configuration object of a coordinator node.
var Config = new(coordinator.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	ops.InitLog(Config.Log)
	log.WithFields(log.Fields{
		"crunch":   Config.Crunch.ID,
		"source":   Config.Feed.Source,
		"subjects": Config.Feed.Subjects,
		"data_dir": Config.Node.DataDir,
	}).Info("coordinator configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	runtime, err := coordinator.New(ctx, *Config)
	if err != nil {
		return err
	}
	defer runtime.Close()

	return runtime.Run(ctx)
}

type cmdBackfill struct {
	Subject string `long:"subject" required:"true" description:"Feed subject to backfill"`
	Start   string `long:"start" required:"true" description:"Range start, unix seconds or RFC3339"`
	End     string `long:"end" description:"Range end, defaults to now"`
}

func (c cmdBackfill) Execute(_ []string) error {
	ops.InitLog(Config.Log)

	var startTs, err = parseTimeArg(c.Start)
	if err != nil {
		return err
	}
	var endTs = time.Now().UTC().Unix()
	if c.End != "" {
		if endTs, err = parseTimeArg(c.End); err != nil {
			return err
		}
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signalCh
		cancel()
	}()

	runtime, err := coordinator.New(ctx, *Config)
	if err != nil {
		return err
	}
	defer runtime.Close()

	job, err := runtime.RunBackfill(ctx, c.Subject, startTs, endTs)
	if err != nil {
		return err
	}
	return printJSON(job)
}

type cmdEmission struct {
	Checkpoint string `long:"checkpoint" description:"Checkpoint id; defaults to the latest"`
}

func (c cmdEmission) Execute(_ []string) error {
	ops.InitLog(Config.Log)

	var ctx = context.Background()
	var st, err = store.Open(ctx, Config.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	var ckpt *contract.Checkpoint
	if c.Checkpoint != "" {
		row, err := st.CheckpointByID(ctx, c.Checkpoint)
		if err != nil {
			return err
		}
		ckpt = &row
	} else if ckpt, err = st.LatestCheckpoint(ctx); err != nil {
		return err
	} else if ckpt == nil {
		return fmt.Errorf("no checkpoint exists yet")
	}
	return printJSON(ckpt.EmissionPayload)
}

func parseTimeArg(raw string) (int64, error) {
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	var t, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("bad time %q: want unix seconds or RFC3339", raw)
	}
	return t.Unix(), nil
}

func printJSON(v any) error {
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve a coordinator node", `
Serve a coordinator node with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	_, _ = parser.AddCommand("backfill", "Run one backfill job to completion", `
Admit a backfill job over the configured feed scope and execute it
synchronously, printing the terminal job row.
`, &cmdBackfill{})

	_, _ = parser.AddCommand("emission", "Print a checkpoint's emission payload", `
Print the frac64 emission payload of a checkpoint (the latest by
default) for hand-off to the external signer.
`, &cmdEmission{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			// go-flags already printed the usage error.
			os.Exit(1)
		}
		log.WithError(err).Fatal("command failed")
	}
}
