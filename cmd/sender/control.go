package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/matst80/airfire/internal/httpx"
	"github.com/matst80/airfire/internal/obs"
)

const defaultControlAddr = "127.0.0.1:7000"

// controlClient sends requests on one control connection.
type controlClient struct {
	conn net.Conn
	rd   *httpx.Reader
}

func dialControl(ctx context.Context, addr string) (*controlClient, error) {
	c, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &controlClient{conn: c, rd: httpx.NewReader(c, 0, 0)}, nil
}

func (cc *controlClient) do(ctx context.Context, req *httpx.Request) (*httpx.Response, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = cc.conn.SetDeadline(dl)
	}
	req.Headers.Set("User-Agent", "airfire-sender/1.0")
	if err := httpx.WriteRequest(cc.conn, req); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	resp, err := cc.rd.ReadResponse()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	return resp, nil
}

func (cc *controlClient) Close() error { return cc.conn.Close() }

func expectOK(resp *httpx.Response) error {
	if resp.Status != http.StatusOK {
		return fmt.Errorf("receiver answered %d %s", resp.Status, http.StatusText(resp.Status))
	}
	return nil
}

func playCmd() *cobra.Command {
	var (
		addr  string
		chunk int
	)
	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "POST a file to /play in fixed size chunks on one control connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			n, err := playChunks(cmd.Context(), addr, data, chunk)
			obs.Info("play.done", obs.Fields{"requests": n, "bytes": len(data)})
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultControlAddr, "receiver control protocol address")
	cmd.Flags().IntVar(&chunk, "chunk", 64*1024, "bytes per /play request")
	return cmd
}

func playChunks(ctx context.Context, addr string, data []byte, chunk int) (int, error) {
	if chunk <= 0 {
		return 0, fmt.Errorf("chunk size must be positive")
	}
	cc, err := dialControl(ctx, addr)
	if err != nil {
		return 0, err
	}
	defer cc.Close()
	sent := 0
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		resp, err := cc.do(ctx, &httpx.Request{Method: http.MethodPost, Path: "/play", Body: data[off:end]})
		if err != nil {
			return sent, err
		}
		if err := expectOK(resp); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func infoCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Fetch and print /server-info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := fetchInfo(cmd.Context(), addr)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultControlAddr, "receiver control protocol address")
	return cmd
}

func fetchInfo(ctx context.Context, addr string) ([]byte, error) {
	cc, err := dialControl(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer cc.Close()
	resp, err := cc.do(ctx, &httpx.Request{Method: http.MethodGet, Path: "/server-info"})
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func stopCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Send POST /stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := dialControl(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cc.do(cmd.Context(), &httpx.Request{Method: http.MethodPost, Path: "/stop"})
			if err != nil {
				return err
			}
			return expectOK(resp)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultControlAddr, "receiver control protocol address")
	return cmd
}
