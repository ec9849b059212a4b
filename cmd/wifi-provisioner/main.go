package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	provisioner "github.com/viamrobotics/wifi-provisioner"
	"github.com/viamrobotics/wifi-provisioner/utils"
	"go.viam.com/rdk/logging"
)

var (
	activeBackgroundWorkers sync.WaitGroup

	// only changed/set at startup, so no mutex.
	globalLogger = logging.NewLogger("wifi-provisioner")
)

//nolint:lll
type provisionerOpts struct {
	Config  string `default:"/etc/wifi-provisioner.json"         description:"Path to config file"            long:"config"   short:"c"`
	Debug   bool   `description:"Enable debug logging"           env:"WIFI_PROVISIONER_DEBUG"                 long:"debug"    short:"d"`
	Help    bool   `description:"Show this help message"         long:"help"                                  short:"h"`
	Version bool   `description:"Show version"                   long:"version"                               short:"v"`
	Install bool   `description:"Install systemd service"        long:"install"`
	DevMode bool   `description:"Allow non-root and non-service" env:"WIFI_PROVISIONER_DEVMODE"               long:"dev-mode"`
}

func main() {
	ctx, cancel := setupExitSignalHandling()

	defer func() {
		cancel()
		activeBackgroundWorkers.Wait()
	}()

	var opts provisionerOpts

	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "advertises a bluetooth service that accepts Wi-Fi credentials, then joins that network."

	_, err := parser.Parse()
	exitIfError(err)

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if opts.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", utils.GetVersion(), utils.GetRevision())
		return
	}

	if opts.Debug {
		utils.CLIDebug = true
		globalLogger.SetLevel(logging.DEBUG)
	}

	absConfigPath, err := filepath.Abs(opts.Config)
	exitIfError(errors.Wrapf(err, "resolving config path %s", opts.Config))
	utils.ConfigFilePath = absConfigPath

	// need to be root to go any further than this
	curUser, err := user.Current()
	exitIfError(err)
	if curUser.Uid != "0" && !opts.DevMode {
		//nolint:forbidigo
		fmt.Printf("wifi-provisioner must be run as root (uid 0), but current user is %s (uid %s)\n", curUser.Username, curUser.Uid)
		return
	}

	if opts.Install {
		exitIfError(provisioner.Install(ctx, globalLogger))
		return
	}

	if !opts.DevMode && runtime.GOOS != "linux" {
		//nolint:forbidigo
		fmt.Printf("wifi-provisioner is only supported as a service on linux, not %s\n", runtime.GOOS)
		return
	}

	// set up folder structure
	exitIfError(utils.InitPaths())

	// use a lockfile to prevent two provisioners fighting over the adapter
	pidFile, err := getLock()
	exitIfError(err)
	defer func() {
		if err := pidFile.Unlock(); err != nil {
			globalLogger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
		}
	}()

	cfg, err := utils.LoadConfig(absConfigPath)
	if err != nil {
		// the returned config is still usable
		globalLogger.Warn(err)
	}
	cfg = utils.ApplyCLIArgs(cfg)

	globalLogger.Infof("wifi-provisioner Version: %s Git Revision: %s", utils.GetVersion(), utils.GetRevision())

	manager := provisioner.NewManager(globalLogger, cfg)
	if err := manager.Start(ctx); err != nil {
		manager.Stop()
		exitIfError(err)
	}

	<-ctx.Done()
	manager.Stop()
}

func setupExitSignalHandling() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		defer cancel()
		for {
			var sig os.Signal
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			// things we exit for
			case os.Interrupt:
				fallthrough
			case syscall.SIGQUIT:
				fallthrough
			case syscall.SIGABRT:
				fallthrough
			case syscall.SIGTERM:
				globalLogger.Info("exiting")
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT) // keeping SIGQUIT for stack trace debugging
				return

			case syscall.SIGHUP:
				globalLogger.Info("config changes are applied on restart, ignoring SIGHUP")

			// log everything else
			default:
				if !ignoredSignal(sig) {
					globalLogger.Debugw("received unknown signal", "signal", sig)
				}
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGHUP)
	return ctx, cancel
}

// helper to log.Fatal if error is non-nil.
func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}

func getLock() (lockfile.Lockfile, error) {
	pidFile, err := lockfile.New(filepath.Join(utils.Dirs.Tmp, provisioner.SubsystemName+".pid"))
	if err != nil {
		return "", errors.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	globalLogger.Warn(errors.Wrapf(err, "locking %s", pidFile))

	// if it's a potentially temporary error, retry
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		globalLogger.Warn("retrying lock")
		err = pidFile.TryLock()
		if err == nil {
			return pidFile, nil
		}

		// if (still) busy, validate that the PID in question is actually a provisioner,
		// since low numbered PIDs are easily reused after a reboot or crash
		if errors.Is(err, lockfile.ErrBusy) {
			var staleFile bool
			proc, err := pidFile.GetOwner()
			if err != nil {
				globalLogger.Error(errors.Wrap(err, "getting lockfile owner"))
				staleFile = true
			} else if runPath, err := filepath.EvalSymlinks(fmt.Sprintf("/proc/%d/exe", proc.Pid)); err != nil {
				globalLogger.Error(errors.Wrap(err, "cannot get info on lockfile owner"))
				staleFile = true
			} else if !strings.Contains(runPath, provisioner.SubsystemName) {
				globalLogger.Warnf("lockfile owner isn't %s", provisioner.SubsystemName)
				staleFile = true
			}
			if staleFile {
				globalLogger.Warnf("deleting lockfile %s", pidFile)
				if err := os.RemoveAll(string(pidFile)); err != nil {
					return "", errors.Wrap(err, "removing lockfile")
				}
				return pidFile, pidFile.TryLock()
			}
			return "", errors.Errorf("other instance of wifi-provisioner is already running with PID: %d", proc.Pid)
		}
	}
	return "", err
}
