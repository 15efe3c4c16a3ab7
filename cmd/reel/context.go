package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"reel/internal/config"
	"reel/internal/ipc"
	"reel/internal/queueaccess"
)

type commandContext struct {
	socketFlag *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if c.socketFlag != nil {
			if socket := strings.TrimSpace(*c.socketFlag); socket != "" {
				cfg.Paths.SocketPath = socket
			}
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) socketPath() string {
	if c.socketFlag != nil {
		if socket := strings.TrimSpace(*c.socketFlag); socket != "" {
			return socket
		}
	}
	if cfg := c.configValue(); cfg != nil {
		return cfg.Paths.SocketPath
	}
	return ""
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	client, err := c.dialClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func (c *commandContext) dialClient() (*ipc.Client, error) {
	socket := c.socketPath()
	client, err := ipc.Dial(socket)
	if err != nil {
		return nil, wrapDialError(err, socket)
	}
	return client, nil
}

// withQueue runs fn against the daemon when it answers, or the queue
// database otherwise.
func (c *commandContext) withQueue(fn func(queueaccess.Access) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	session, err := queueaccess.Open(cfg)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session.Access)
}

func wrapDialError(err error, socket string) error {
	switch {
	case errors.Is(err, syscall.ENOENT) || os.IsNotExist(err):
		return fmt.Errorf("connect to daemon: socket %s not found; start the daemon with `reel daemon start`", socket)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("connect to daemon: socket %s refused the connection; verify the daemon is running", socket)
	default:
		return fmt.Errorf("connect to daemon: %w", err)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
