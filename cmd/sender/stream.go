package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/airfire/internal/media"
	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
)

func streamCmd() *cobra.Command {
	var (
		addr string
		fps  float64
		loop int
	)
	cmd := &cobra.Command{
		Use:   "stream FILE",
		Short: "Send an Annex B .h264 file as length-prefixed access units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			units, err := accessUnits(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			obs.Info("stream.start", obs.Fields{"addr": addr, "units": len(units), "fps": fps, "loops": loop})
			c, err := dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer c.Close()
			for i := 0; i < loop; i++ {
				sent, err := sendUnits(cmd.Context(), c, units, fps)
				if err != nil {
					return err
				}
				obs.Info("stream.pass", obs.Fields{"pass": i + 1, "units": sent})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5000", "receiver custom protocol address")
	cmd.Flags().Float64Var(&fps, "fps", 30, "access units per second (0 sends as fast as possible)")
	cmd.Flags().IntVar(&loop, "loop", 1, "number of passes over the file")
	return cmd
}

// accessUnits splits an Annex B elementary stream into access units, each
// re-encoded with 4-byte start codes.
func accessUnits(data []byte) ([][]byte, error) {
	if !media.IsAnnexB(data) {
		return nil, errors.New("not an Annex B elementary stream")
	}
	nalus := media.SplitAnnexB(data)
	if len(nalus) == 0 {
		return nil, errors.New("no NAL units found")
	}
	groups := media.GroupAccessUnits(nalus)
	out := make([][]byte, 0, len(groups))
	for _, g := range groups {
		out = append(out, media.JoinAnnexB(g))
	}
	return out, nil
}

func sendUnits(ctx context.Context, c net.Conn, units [][]byte, fps float64) (int, error) {
	var tick <-chan time.Time
	if fps > 0 {
		t := time.NewTicker(time.Duration(float64(time.Second) / fps))
		defer t.Stop()
		tick = t.C
	}
	for i, u := range units {
		if tick != nil && i > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := proto.WriteFrame(c, u); err != nil {
			return i, fmt.Errorf("write unit %d: %w", i, err)
		}
		if media.IsKeyframe(u) {
			obs.Debug("stream.keyframe", obs.Fields{"unit": i, "bytes": len(u)})
		}
	}
	return len(units), nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return c, nil
}
