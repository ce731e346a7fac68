//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/clone"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/command"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/config"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/discovery"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/erase"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/format"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/imagerepo"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/inventory"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/mount"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/peertransfer"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/restore"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/transfer"
	"github.com/rpi-usb-cloner/rpi-usb-cloner/verify"
)

const usage = `rpi-usb-cloner storage core

rpi-usb-cloner drives the disk-level operations (clone, erase, format,
restore, transfer) of a Raspberry Pi USB drive duplication appliance.
`

// Exit codes, honored by the appliance's front-end UI process.
const (
	exitOK                = 0
	exitFailure           = 1
	exitValidationFailed  = 2
	exitInsufficientSpace = 77
)

var (
	version  string // set at build time
	commitID string // set at build time
	builtAt  string // set at build time
)

func consoleSink(prefix string) domain.ProgressSink {
	return domain.FuncProgressSink(func(e domain.ProgressEvent) {
		for _, line := range e.Lines {
			if e.Ratio != nil {
				fmt.Fprintf(os.Stderr, "[%s] %s (%.0f%%)\n", prefix, line, *e.Ratio*100)
			} else {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", prefix, line)
			}
		}
	})
}

// exitCodeFor maps a returned error to the appliance's process exit
// code convention: 0 success, 1 generic failure, 2 validation failure,
// 77 insufficient space.
func exitCodeFor(err error) int {
	switch err.(type) {
	case nil:
		return exitOK
	case *domain.InsufficientSpaceError:
		return exitInsufficientSpace
	case *domain.DeviceNotFoundError,
		*domain.DeviceValidationError,
		*domain.SameDeviceError,
		*domain.MountVerificationError,
		*domain.UnmountFailedError:
		return exitValidationFailed
	default:
		return exitFailure
	}
}

func setupLogging(ctx *cli.Context) error {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})

	level := ctx.GlobalString("log-level")
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log-level %q not recognized", level)
	}
	logrus.SetLevel(parsed)
	return nil
}

func newRunner() command.Runner {
	return command.NewExecRunner()
}

func newInventory(cfg config.Config) *inventory.Inventory {
	return inventory.New(newRunner(), cfg)
}

func requireDriveName(ctx *cli.Context, flag string) (string, error) {
	name := ctx.String(flag)
	if name == "" {
		return "", cli.NewExitError(fmt.Sprintf("missing required --%s flag", flag), exitValidationFailed)
	}
	return name, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "rpi-usb-cloner"
	app.Usage = usage
	app.Version = version

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("rpi-usb-cloner\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n", c.App.Version, commitID, builtAt)
	}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
	}

	app.Before = setupLogging

	app.Commands = []cli.Command{
		listCommand(),
		cloneCommand(),
		eraseCommand(),
		formatCommand(),
		restoreCommand(),
		transferCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			logrus.Error(exitErr.Error())
			os.Exit(exitErr.ExitCode())
		}
		logrus.Error(err)
		os.Exit(exitCodeFor(err))
	}
}

func listCommand() cli.Command {
	return cli.Command{
		Name:  "list",
		Usage: "list attached USB drives and image repositories",
		Action: func(ctx *cli.Context) error {
			cfg := config.Default()
			inv := newInventory(cfg)

			drives, err := inv.ListUSBDisksRaw(context.Background())
			if err != nil {
				return err
			}
			for _, d := range drives {
				fmt.Println(domain.FormatDeviceLabel(d))
				for _, p := range d.Partitions {
					fmt.Printf("  %s\n", domain.PartitionDisplayName(p))
				}
			}
			return nil
		},
	}
}

func cloneCommand() cli.Command {
	return cli.Command{
		Name:  "clone",
		Usage: "clone one USB drive onto another",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "source", Usage: "source device short name, e.g. sdb"},
			cli.StringFlag{Name: "dest", Usage: "destination device short name, e.g. sdc"},
			cli.StringFlag{Name: "mode", Usage: "smart|exact|verify (default: smart, or $CLONE_MODE)"},
		},
		Action: func(ctx *cli.Context) error {
			srcName, err := requireDriveName(ctx, "source")
			if err != nil {
				return err
			}
			destName, err := requireDriveName(ctx, "dest")
			if err != nil {
				return err
			}

			mode := ctx.String("mode")
			if mode == "" {
				mode = config.CloneModeOverride()
			}
			if mode == "" {
				mode = string(domain.CloneModeSmart)
			}

			cfg := config.Default()
			runner := newRunner()
			inv := newInventory(cfg)
			mounts := mount.NewManager(runner, cfg)
			verifier := verify.New(runner)
			engine := clone.NewEngine(runner, inv, mounts, verifier)

			background := context.Background()
			src, ok, err := inv.Get(background, srcName, true)
			if err != nil || !ok {
				return cli.NewExitError(fmt.Sprintf("source device %q not found", srcName), exitValidationFailed)
			}
			dest, ok, err := inv.Get(background, destName, true)
			if err != nil || !ok {
				return cli.NewExitError(fmt.Sprintf("destination device %q not found", destName), exitValidationFailed)
			}

			job := domain.CloneJob{Source: src, Destination: dest, Mode: domain.NormalizeCloneMode(mode)}
			ok, err = engine.Clone(background, job, consoleSink("clone"))
			if err != nil {
				return err
			}
			if !ok {
				return cli.NewExitError("clone did not verify successfully", exitFailure)
			}
			return nil
		},
	}
}

func eraseCommand() cli.Command {
	return cli.Command{
		Name:  "erase",
		Usage: "securely erase a USB drive",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "device", Usage: "device short name, e.g. sdb"},
			cli.StringFlag{Name: "mode", Value: "quick", Usage: "quick|zero|discard|secure"},
		},
		Action: func(ctx *cli.Context) error {
			name, err := requireDriveName(ctx, "device")
			if err != nil {
				return err
			}

			cfg := config.Default()
			runner := newRunner()
			inv := newInventory(cfg)
			mounts := mount.NewManager(runner, cfg)
			engine := erase.NewEngine(runner, inv, mounts, cfg)

			background := context.Background()
			d, ok, err := inv.Get(background, name, true)
			if err != nil || !ok {
				return cli.NewExitError(fmt.Sprintf("device %q not found", name), exitValidationFailed)
			}

			ok, err = engine.Erase(background, d, domain.NormalizeEraseMode(ctx.String("mode")), consoleSink("erase"))
			if err != nil {
				return err
			}
			if !ok {
				return cli.NewExitError("erase did not complete successfully", exitFailure)
			}
			return nil
		},
	}
}

func formatCommand() cli.Command {
	return cli.Command{
		Name:  "format",
		Usage: "partition and format a USB drive",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "device", Usage: "device short name, e.g. sdb"},
			cli.StringFlag{Name: "fstype", Value: "exfat", Usage: "ext4|exfat|fat32|ntfs"},
			cli.StringFlag{Name: "mode", Value: "quick", Usage: "quick|full"},
			cli.StringFlag{Name: "label", Usage: "filesystem label"},
		},
		Action: func(ctx *cli.Context) error {
			name, err := requireDriveName(ctx, "device")
			if err != nil {
				return err
			}

			cfg := config.Default()
			runner := newRunner()
			inv := newInventory(cfg)
			mounts := mount.NewManager(runner, cfg)
			engine := format.NewEngine(runner, inv, mounts)

			background := context.Background()
			d, ok, err := inv.Get(background, name, true)
			if err != nil || !ok {
				return cli.NewExitError(fmt.Sprintf("device %q not found", name), exitValidationFailed)
			}

			mode := domain.FormatModeQuick
			if ctx.String("mode") == "full" {
				mode = domain.FormatModeFull
			}

			ok, err = engine.Format(background, d, ctx.String("fstype"), mode, ctx.String("label"), consoleSink("format"))
			if err != nil {
				return err
			}
			if !ok {
				return cli.NewExitError("format did not complete successfully", exitFailure)
			}
			return nil
		},
	}
}

func restoreCommand() cli.Command {
	return cli.Command{
		Name:  "restore",
		Usage: "restore a saved image onto a USB drive",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "device", Usage: "target device short name, e.g. sdb"},
			cli.StringFlag{Name: "image", Usage: "path to an ISO, ImageUSB .bin, or Clonezilla image directory"},
			cli.StringFlag{Name: "kind", Usage: "iso|imageusb|clonezilla (inferred from --image when omitted)"},
		},
		Action: func(ctx *cli.Context) error {
			name, err := requireDriveName(ctx, "device")
			if err != nil {
				return err
			}
			imagePath := ctx.String("image")
			if imagePath == "" {
				return cli.NewExitError("missing required --image flag", exitValidationFailed)
			}

			kind := ctx.String("kind")
			if kind == "" {
				kind = inferRestoreKind(imagePath)
			}

			cfg := config.Default()
			runner := newRunner()
			inv := newInventory(cfg)
			mounts := mount.NewManager(runner, cfg)
			fs := restoreFs()
			engine := restore.NewEngine(fs, runner, inv, mounts)

			background := context.Background()
			d, ok, err := inv.Get(background, name, true)
			if err != nil || !ok {
				return cli.NewExitError(fmt.Sprintf("device %q not found", name), exitValidationFailed)
			}

			sink := consoleSink("restore")
			switch kind {
			case "iso":
				ok, err = engine.RestoreISO(background, imagePath, d, sink)
			case "imageusb":
				ok, err = engine.RestoreImageUSB(background, imagePath, d, sink)
			case "clonezilla":
				plan, parseErr := engine.ParsePlan(imagePath)
				if parseErr != nil {
					return parseErr
				}
				ok, err = engine.ExecutePlan(background, plan, d, sink)
			default:
				return cli.NewExitError(fmt.Sprintf("cannot infer restore kind from %q, pass --kind", imagePath), exitValidationFailed)
			}
			if err != nil {
				return err
			}
			if !ok {
				return cli.NewExitError("restore did not complete successfully", exitFailure)
			}
			return nil
		},
	}
}

func inferRestoreKind(path string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".iso"):
		return "iso"
	case strings.HasSuffix(strings.ToLower(path), ".bin"):
		return "imageusb"
	default:
		return "clonezilla"
	}
}

func transferCommand() cli.Command {
	return cli.Command{
		Name:  "transfer",
		Usage: "move images between repositories, locally or peer-to-peer",
		Subcommands: []cli.Command{
			transferLocalCommand(),
			transferServeCommand(),
			transferSendCommand(),
		},
	}
}

func transferLocalCommand() cli.Command {
	return cli.Command{
		Name:  "local",
		Usage: "copy images from one repository into another on this host",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "source", Usage: "source repository mount path"},
			cli.StringFlag{Name: "dest", Usage: "destination repository mount path"},
		},
		Action: func(ctx *cli.Context) error {
			sourcePath := ctx.String("source")
			destPath := ctx.String("dest")
			if sourcePath == "" || destPath == "" {
				return cli.NewExitError("both --source and --dest are required", exitValidationFailed)
			}

			cfg := config.Default()
			fs := restoreFs()
			inv := newInventory(cfg)
			finder := imagerepo.NewFinder(fs, inv, nil, cfg)

			images, err := finder.ListImages(domain.ImageRepo{Path: sourcePath})
			if err != nil {
				return err
			}

			tr := transfer.New(fs, cfg)
			ok, failed := tr.CopyAll(images, destPath, consoleSink("transfer"))
			logrus.Infof("transfer complete: %d succeeded, %d failed", ok, failed)
			if failed > 0 && ok == 0 {
				return cli.NewExitError("all image transfers failed", exitFailure)
			}
			return nil
		},
	}
}

func transferServeCommand() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "accept peer-to-peer image transfers into a local repository",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "dest", Usage: "destination repository mount path"},
			cli.StringFlag{Name: "pin", Usage: "fixed 4-digit PIN (random when omitted)"},
		},
		Action: func(ctx *cli.Context) error {
			destPath := ctx.String("dest")
			if destPath == "" {
				return cli.NewExitError("missing required --dest flag", exitValidationFailed)
			}

			cfg := config.Default()
			fs := restoreFs()
			inv := newInventory(cfg)
			finder := imagerepo.NewFinder(fs, inv, nil, cfg)
			repo := domain.ImageRepo{Path: destPath}

			server := peertransfer.NewServer(fs, repo, cfg, finder, func(name string, ratio float64) {
				logrus.Infof("receiving %s: %.0f bytes", name, ratio)
			})

			pin := ctx.String("pin")
			if pin != "" {
				server.SetPIN(pin)
			} else {
				generated, err := server.GeneratePIN()
				if err != nil {
					return err
				}
				pin = generated
			}
			fmt.Printf("peer transfer PIN: %s\n", pin)

			disc := discovery.New(cfg)
			if err := disc.StartPublishing(version); err != nil {
				logrus.WithError(err).Warn("mDNS publishing unavailable, peers must connect by IP")
			} else {
				defer disc.StopPublishing()
			}

			httpServer := &http.Server{Addr: ":" + strconv.Itoa(cfg.MDNSPort), Handler: server.Router()}
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logrus.WithError(err).Error("peer transfer server stopped")
				}
			}()

			systemd.SdNotify(false, systemd.SdNotifyReady)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			systemd.SdNotify(false, systemd.SdNotifyStopping)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func transferSendCommand() cli.Command {
	return cli.Command{
		Name:  "send",
		Usage: "discover a peer and send it images from a local repository",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "source", Usage: "source repository mount path"},
			cli.StringFlag{Name: "peer", Usage: "peer hostname or address (skips discovery)"},
			cli.IntFlag{Name: "port", Value: 8765, Usage: "peer port, used with --peer"},
			cli.StringFlag{Name: "pin", Usage: "4-digit PIN displayed on the peer"},
		},
		Action: func(ctx *cli.Context) error {
			sourcePath := ctx.String("source")
			pin := ctx.String("pin")
			if sourcePath == "" || pin == "" {
				return cli.NewExitError("both --source and --pin are required", exitValidationFailed)
			}

			cfg := config.Default()
			fs := restoreFs()
			inv := newInventory(cfg)
			finder := imagerepo.NewFinder(fs, inv, nil, cfg)

			var peer domain.PeerDevice
			if addr := ctx.String("peer"); addr != "" {
				peer = domain.PeerDevice{Hostname: addr, Address: addr, Port: ctx.Int("port")}
			} else {
				disc := discovery.New(cfg)
				browseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				peers, err := disc.BrowsePeers(browseCtx, 5*time.Second, nil)
				if err != nil {
					return err
				}
				if len(peers) == 0 {
					return cli.NewExitError("no peers discovered, pass --peer to connect directly", exitFailure)
				}
				peer = peers[0]
			}

			images, err := finder.ListImages(domain.ImageRepo{Path: sourcePath})
			if err != nil {
				return err
			}

			client := peertransfer.NewClient(fs, peer, cfg, 5*time.Minute)
			if _, err := client.Authenticate(context.Background(), pin); err != nil {
				return err
			}

			ok, failed, err := client.SendImages(context.Background(), images, func(name string, ratio float64) {
				logrus.Infof("sending %s: %.0f%%", name, ratio*100)
			})
			if err != nil {
				return err
			}
			logrus.Infof("send complete: %d succeeded, %d failed", ok, failed)
			if failed > 0 && ok == 0 {
				return cli.NewExitError("all image transfers failed", exitFailure)
			}
			return nil
		},
	}
}

// restoreFs returns the real filesystem used by every disk-backed
// component; factored out so it's the one place a future test harness
// needs to override for an in-memory run.
func restoreFs() afero.Fs {
	return afero.NewOsFs()
}
