package transport

import (
	"context"

	"github.com/juju/errors"
	"github.com/sensorsafrica/airnode/hardware/cellular"
	"github.com/sensorsafrica/airnode/internal/station"
	"github.com/sensorsafrica/airnode/internal/types"
)

type StationLink struct{ link *station.Link }

func NewStationLink(link *station.Link) *StationLink { return &StationLink{link: link} }

func (self *StationLink) Kind() Kind                     { return KindStation }
func (self *StationLink) Probe(ctx context.Context) bool { return self.link.Probe(ctx) }

// Reconnect is only a probe, the OS manages WiFi association.
func (self *StationLink) Reconnect(ctx context.Context) error {
	if !self.link.Probe(ctx) {
		return errors.Annotate(ErrUnreachable, "station")
	}
	return nil
}

func (self *StationLink) Send(ctx context.Context, req *types.Request) error {
	_, err := self.link.Post(ctx, req)
	return err
}

type CellularLink struct{ link *cellular.Link }

func NewCellularLink(link *cellular.Link) *CellularLink { return &CellularLink{link: link} }

func (self *CellularLink) Kind() Kind { return KindCellular }

// Probe is the weak proxy: packet data context believed active.
// Sleeping keeps the context, wake verifies it.
func (self *CellularLink) Probe(ctx context.Context) bool {
	switch self.link.State() {
	case cellular.StateDataContextActive, cellular.StateSleeping:
		return true
	}
	return false
}

func (self *CellularLink) Reconnect(ctx context.Context) error {
	if err := self.link.Revalidate(ctx); err != nil {
		return errors.Trace(err)
	}
	_, err := self.link.Ensure(ctx)
	return errors.Trace(err)
}

func (self *CellularLink) Send(ctx context.Context, req *types.Request) error {
	h, err := self.link.Ensure(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = h.Post(ctx, req)
	return err
}

func (self *CellularLink) Idle(ctx context.Context) error {
	if self.link.State() != cellular.StateDataContextActive {
		return nil
	}
	return self.link.Sleep(ctx)
}
