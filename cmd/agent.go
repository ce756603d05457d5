// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/LeeDigitalWorks/zapgate/pkg/agent"
	"github.com/LeeDigitalWorks/zapgate/pkg/debug"
	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
	"github.com/LeeDigitalWorks/zapgate/pkg/storage/index"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AgentOpts holds all configuration for a storage agent
type AgentOpts struct {
	Listen    []string
	DebugAddr string
	Agent     agent.Config

	AuthSecret string
	CertFile   string
	KeyFile    string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start a storage agent",
	Long: `Start a storage agent that holds chunk replicas.
The agent serves store_chunk, read_chunk, delete_chunk and stat over every
listen address (tcp://, ws://, grpc://).`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	f := agentCmd.Flags()
	f.StringSlice("listen", []string{"tcp://0.0.0.0:7400"}, "RPC listen addresses")
	f.String("debug_addr", "0.0.0.0:7410", "Debug/metrics HTTP address (empty disables)")
	f.String("node_id", "", "Stable agent identifier. Env: NODE_ID")

	f.String("backend_type", string(types.StorageTypeLocal), "Chunk backend (local, memory, s3)")
	f.String("data_dir", filepath.Join(os.TempDir(), "zapgate", "chunks"), "Chunk directory for the local backend")
	f.String("index_kind", string(index.KindLevelDB), "Chunk index (leveldb, memory)")
	f.String("index_dir", filepath.Join(os.TempDir(), "zapgate", "index"), "Directory of the leveldb chunk index")
	f.String("compression", "lz4", "Chunk compression (none, lz4, zstd, s2)")

	f.String("auth_secret", "", "Shared cluster secret; requests without a valid token are refused. Env: AUTH_SECRET")
	f.String("cert_file", "", "Path to TLS certificate file")
	f.String("key_file", "", "Path to TLS key file")

	viper.BindPFlags(f)
}

func loadAgentOpts(cmd *cobra.Command) (AgentOpts, error) {
	f := NewFlagLoader(cmd)

	backend := types.BackendConfig{
		Type: types.StorageType(f.String("backend_type")),
		Path: utils.ResolvePath(f.String("data_dir")),
	}
	// An s3 or otherwise detailed backend is described in [backend].
	if viper.IsSet("backend") {
		if err := viper.UnmarshalKey("backend", &backend); err != nil {
			return AgentOpts{}, fmt.Errorf("parse [backend]: %w", err)
		}
	}

	return AgentOpts{
		Listen:    f.StringSlice("listen"),
		DebugAddr: f.String("debug_addr"),
		Agent: agent.Config{
			ID:          nodeID(f.String("node_id")),
			Backend:     backend,
			IndexKind:   index.Kind(f.String("index_kind")),
			IndexDir:    utils.ResolvePath(f.String("index_dir")),
			Compression: f.String("compression"),
		},
		AuthSecret: f.String("auth_secret"),
		CertFile:   f.String("cert_file"),
		KeyFile:    f.String("key_file"),
	}, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	utils.LoadConfiguration("zapgate-agent", false)
	opts, err := loadAgentOpts(cmd)
	if err != nil {
		return err
	}

	debug.SetNotReady()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := agent.New(opts.Agent)
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer a.Close()

	authn, err := newAuthenticator(opts.AuthSecret)
	if err != nil {
		return err
	}
	var verifier rpc.Verifier
	if authn != nil {
		verifier = authn
	} else {
		logger.Warn().Msg("no auth secret configured; accepting unauthenticated requests")
	}
	srv := rpc.NewServer(verifier)
	a.Register(srv)

	tlsCfg, err := utils.LoadServerTLSConfig(opts.CertFile, opts.KeyFile)
	if err != nil {
		return err
	}

	errCh := make(chan error, len(opts.Listen)+1)
	for _, addr := range opts.Listen {
		parsed, err := rpc.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("listen address %q: %w", addr, err)
		}
		l, err := rpc.Listen(parsed, rpc.ListenOptions{TLS: tlsCfg})
		if err != nil {
			srv.Close()
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		logger.Info().
			Str("agent_id", a.ID()).
			Str("listen", l.Addr().String()).
			Str("advertise", advertiseAddr(parsed)).
			Bool("tls", tlsCfg != nil).
			Msg("agent listening")
		go func() { errCh <- srv.Serve(l) }()
	}

	if opts.DebugAddr != "" {
		go func() {
			if err := debug.Serve(ctx, opts.DebugAddr); err != nil {
				errCh <- fmt.Errorf("debug server: %w", err)
			}
		}()
	}

	st, err := a.Status()
	if err == nil {
		logger.Info().
			Str("agent_id", st.ID).
			Str("backend", st.Backend).
			Uint64("chunks", st.Chunks).
			Str("compression", st.Compression).
			Msg("agent ready")
	}
	debug.SetReady()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("agent server stopped")
		}
	}

	debug.SetNotReady()
	srv.Close()
	logger.Info().Str("agent_id", a.ID()).Msg("agent stopped")
	return err
}

// advertiseAddr is the address peers should dial for a listener bound to
// parsed, substituting a detected host address for a wildcard host.
func advertiseAddr(parsed rpc.Address) string {
	host := parsed.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = utils.DetectedHostAddress()
	}
	return parsed.Scheme + "://" + utils.JoinHostPort(host, parsed.Port) + parsed.Path
}
