package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool names.
const (
	ToolStatus = "vault_status"
	ToolLock   = "vault_lock"
)

// StatusInput represents input for vault_status tool.
type StatusInput struct{}

// StatusOutput represents output for vault_status tool.
type StatusOutput struct {
	Initialized      bool           `json:"initialized"`
	Unlocked         bool           `json:"unlocked"`
	RecoveryRequired bool           `json:"recovery_required"`
	SessionState     string         `json:"session_state"`
	LockDeadline     string         `json:"lock_deadline,omitempty"`
	FailedAttempts   int            `json:"failed_attempts"`
	CooldownSeconds  int64          `json:"cooldown_seconds,omitempty"`
	Counts           map[string]int `json:"counts,omitempty"`
	TotalRecords     *int           `json:"total_records,omitempty"`
}

// LockInput represents input for vault_lock tool.
type LockInput struct{}

// LockOutput represents output for vault_lock tool.
type LockOutput struct {
	Locked bool `json:"locked"`
}

// handleStatus handles the vault_status tool call.
func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	st, err := s.vault.Status(ctx)
	if err != nil {
		return nil, StatusOutput{}, fmt.Errorf("failed to read vault status: %w", err)
	}

	out := StatusOutput{
		Initialized:      st.Initialized,
		Unlocked:         st.Unlocked,
		RecoveryRequired: st.RecoveryRequired,
		SessionState:     st.Session.State.String(),
		FailedAttempts:   st.FailedAttempts,
	}
	if !st.Session.Deadline.IsZero() {
		out.LockDeadline = st.Session.Deadline.UTC().Format(time.RFC3339)
	}
	if st.Cooldown > 0 {
		out.CooldownSeconds = int64(st.Cooldown.Round(time.Second) / time.Second)
	}
	if st.Unlocked && s.policy.ExposeCounts {
		out.Counts = make(map[string]int, len(st.Counts))
		total := 0
		for k, n := range st.Counts {
			out.Counts[string(k)] = n
			total += n
		}
		out.TotalRecords = &total
	}
	return nil, out, nil
}

// handleLock handles the vault_lock tool call.
func (s *Server) handleLock(_ context.Context, _ *mcp.CallToolRequest, _ LockInput) (*mcp.CallToolResult, LockOutput, error) {
	s.vault.Lock()
	s.log.Info().Msg("vault locked by MCP client")
	return nil, LockOutput{Locked: true}, nil
}
