package transport

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/netbirdio/splice/stream"
)

func (c *tunConnector) Connect(ctx context.Context) (stream.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iFace, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: c.cfg.dev,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create tun device: %w", err)
	}

	if err := c.setUp(iFace.Name()); err != nil {
		if closeErr := iFace.Close(); closeErr != nil {
			log.Debugf("failed to close tun device %s: %s", iFace.Name(), closeErr)
		}
		return nil, err
	}

	log.Infof("tun device %s is up with %s, mtu %d", iFace.Name(), c.cfg.ipNet(), c.cfg.mtu)
	return stream.Wrap(iFace), nil
}

func (c *tunConnector) setUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link by name %s: %w", name, err)
	}

	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: c.cfg.ipNet()}); err != nil {
		return fmt.Errorf("add address %s to %s: %w", c.cfg.ipNet(), name, err)
	}

	if err := netlink.LinkSetMTU(link, c.cfg.mtu); err != nil {
		return fmt.Errorf("link set mtu: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link set up: %w", err)
	}
	return nil
}
