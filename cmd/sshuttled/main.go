package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"github.com/pylan/sshuttle"
	"github.com/pylan/sshuttle/acl"
	"github.com/pylan/sshuttle/session"
)

func useSyslog() bool {
	env := os.Getenv("SSHUTTLE_LOG_SYSLOG")
	if env != "" {
		return env == "true"
	}
	return false
}

var log = sshuttle.SetupLogging("sshuttled", logging.INFO, useSyslog())

func main() {
	app := cli.NewApp()
	app.Name = "sshuttled"
	app.Usage = "transparent TCP/UDP/DNS redirector session manager"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "helper",
			Value: "sshuttle-firewall",
			Usage: "path to the firewall helper binary",
		},
		cli.StringFlag{
			Name:  "relay",
			Value: "ssh",
			Usage: "path to the remote relay launcher (an ssh client by default)",
		},
		cli.StringSliceFlag{
			Name:  "relay-arg",
			Usage: "argument to pass to the relay launcher (repeatable)",
		},
		cli.StringSliceFlag{
			Name:  "helper-arg",
			Usage: "argument to pass to the firewall helper (repeatable)",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) (runErr error) {
	defer func() {
		if x := recover(); x != nil {
			log.Error(fmt.Sprintf("run time panic: %v", x))
			log.Error(string(debug.Stack()))
			runErr = fmt.Errorf("sshuttled: %v", x)
		}
	}()

	cfg, err := sshuttle.ConfigFromEnv()
	if err != nil {
		return err
	}

	eng := acl.NewEngine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := acl.NewSubscriber(cfg.RedisAddr(), eng, log)
	go sshuttle.RecoverToLog(func() { sub.Run(ctx) }, log)

	mgr := session.New(cfg, eng, log)

	relayArgs := append([]string{}, c.StringSlice("relay-arg")...)
	helperArgs := append([]string{}, c.StringSlice("helper-arg")...)

	runDone := make(chan error, 1)
	go func() {
		runDone <- mgr.Run(ctx, c.String("helper"), helperArgs, c.String("relay"), relayArgs)
	}()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-stopSignal:
		log.Notice(fmt.Sprintf("stopping on signal %v", sig))
		cancel()
		<-runDone
		return nil
	case err := <-runDone:
		if err != nil {
			log.Error("session manager exited: " + err.Error())
		}
		return err
	}
}
