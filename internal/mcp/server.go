// Package mcp exposes a read-mostly view of the vault over the Model
// Context Protocol. Clients can see the vault's state and lock it; no tool
// ever returns record fields.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/forest6511/securevault/pkg/vault"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Vault is the part of *vault.Vault the server uses.
type Vault interface {
	Status(ctx context.Context) (*vault.Status, error)
	Lock()
}

// Server represents the MCP server for securevault.
type Server struct {
	server *mcp.Server
	vault  Vault
	policy *Policy
	log    zerolog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// VaultPath is where mcp-policy.yaml is looked up. Empty means
	// DefaultPolicy.
	VaultPath string

	// Policy overrides the policy file when set.
	Policy *Policy

	Logger *zerolog.Logger
}

// NewServer creates a new MCP server instance for v.
func NewServer(v Vault, opts *ServerOptions) (*Server, error) {
	if v == nil {
		return nil, errors.New("mcp: vault is required")
	}
	if opts == nil {
		opts = &ServerOptions{}
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "mcp").Logger()
	}

	policy := opts.Policy
	if policy == nil && opts.VaultPath != "" {
		p, err := LoadPolicy(opts.VaultPath)
		switch {
		case err == nil:
			policy = p
		case errors.Is(err, ErrPolicyNotFound):
		default:
			return nil, err
		}
	}
	if policy == nil {
		policy = DefaultPolicy()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "securevault",
			Version: Version,
		},
		nil,
	)

	s := &Server{
		server: mcpServer,
		vault:  v,
		policy: policy,
		log:    log,
	}
	s.registerTools()
	return s, nil
}

// registerTools registers the tools the policy allows.
func (s *Server) registerTools() {
	if ok, reason := s.policy.IsToolAllowed(ToolStatus); ok {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolStatus,
			Description: "Report whether the vault is set up, locked or awaiting recovery, and the session state. Never returns record contents.",
		}, s.handleStatus)
	} else {
		s.log.Info().Str("tool", ToolStatus).Msg(reason)
	}

	if ok, reason := s.policy.IsToolAllowed(ToolLock); ok {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolLock,
			Description: "Lock the vault immediately. The user must enter the password to unlock it again.",
		}, s.handleLock)
	} else {
		s.log.Info().Str("tool", ToolLock).Msg(reason)
	}
}

// Run starts the MCP server using stdio transport. The vault is locked
// when the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	defer s.vault.Lock()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close locks the vault.
func (s *Server) Close() error {
	s.vault.Lock()
	return nil
}
