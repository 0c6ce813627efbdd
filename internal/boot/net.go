// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
)

// SetupInterfaces brings up the loopback interface and all other links.
//
// Only the administrative up state is handled here. Addressing is left to
// the kernel, configured with the ip= command line parameter, so the image
// server is reachable without a userspace DHCP client.
func SetupInterfaces(log *slog.Logger) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}

	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagUp != 0 {
			continue
		}

		if err := netlink.LinkSetUp(link); err != nil {
			if attrs.Flags&net.FlagLoopback != 0 {
				return fmt.Errorf("link up %s: %w", attrs.Name, err)
			}

			log.Warn("Bringing up link failed",
				slog.String("link", attrs.Name),
				slog.Any("error", err))

			continue
		}

		log.Info("Link up", slog.String("link", attrs.Name))
	}

	return nil
}
