package server

import (
	"context"
	"errors"
	"io"

	"github.com/matst80/airfire/internal/events"
	"github.com/matst80/airfire/internal/proto"
)

// customProtocol reads length-prefixed access units until the peer closes.
type customProtocol struct {
	maxFrame uint32
}

func (customProtocol) kind() events.ProtocolKind { return events.Custom }

func (p customProtocol) serve(ctx context.Context, c *conn) error {
	dec := proto.NewDecoder(c, p.maxFrame)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.deliver(ctx, frame); err != nil {
			return err
		}
	}
}
