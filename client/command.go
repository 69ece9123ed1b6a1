// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
)

// commandEndpoint is the endpoint name of per-tenant command addresses.
const commandEndpoint = "command"

// CommandAddress renders the sender address for commands to a tenant.
func CommandAddress(tenantID string) string {
	return fmt.Sprintf("%s%s%s", commandEndpoint, address.Separator, tenantID)
}

// CommandSender sends pre-built command messages to the devices of one
// tenant over an at-least-once sender link.
type CommandSender struct {
	tenantID string
	sender   link.Sender
}

// NewCommandSender opens the command link for the tenant.
func NewCommandSender(ctx context.Context, conn link.Connection, tenantID string) (*CommandSender, error) {
	if tenantID == "" {
		return nil, address.ErrEmptyTenant
	}

	sender, err := conn.OpenSender(ctx, CommandAddress(tenantID), link.AtLeastOnce)
	if err != nil {
		return nil, fmt.Errorf("failed to open command link: %w", err)
	}
	if err := sender.Open(); err != nil {
		return nil, err
	}

	return &CommandSender{tenantID: tenantID, sender: sender}, nil
}

// TenantID returns the tenant this sender serves.
func (s *CommandSender) TenantID() string { return s.tenantID }

// Send delivers one command message. The caller builds the message; Send
// only stamps the address when unset.
func (s *CommandSender) Send(ctx context.Context, m *message.Message) error {
	if m.Address == "" {
		m.Address = CommandAddress(s.tenantID)
	}
	return s.sender.Send(ctx, m)
}

// Close closes the command link.
func (s *CommandSender) Close() error {
	return s.sender.Close("", "")
}
