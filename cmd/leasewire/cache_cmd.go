package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/leasewire/cache"
	"pkt.systems/leasewire/client"
)

type matchFlags struct {
	ignoreSearch bool
	ignoreMethod bool
	ignoreVary   bool
	headers      []string
}

func (m *matchFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&m.ignoreSearch, "ignore-search", false, "ignore the query string when matching")
	cmd.Flags().BoolVar(&m.ignoreMethod, "ignore-method", false, "match regardless of request method")
	cmd.Flags().BoolVar(&m.ignoreVary, "ignore-vary", false, "ignore Vary headers when matching")
	cmd.Flags().StringArrayVarP(&m.headers, "header", "H", nil, "request header (Name: value), repeatable")
}

func (m *matchFlags) options() cache.MatchOptions {
	return cache.MatchOptions{IgnoreSearch: m.ignoreSearch, IgnoreMethod: m.ignoreMethod, IgnoreVary: m.ignoreVary}
}

func (m *matchFlags) request(rawURL string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	h, err := parseHeaders(m.headers)
	if err != nil {
		return nil, err
	}
	req.Header = h
	return req, nil
}

func parseHeaders(lines []string) (http.Header, error) {
	h := make(http.Header)
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("header %q: expected Name: value", line)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}

func newCacheCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and fill the HTTP response caches held by the agent",
	}
	registerClientFlags(cmd.PersistentFlags())

	withCaches := func(cmd *cobra.Command, fn func(context.Context, *cache.Storage) error) error {
		return c.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
			caches, err := cl.Caches()
			if err != nil {
				return err
			}
			return fn(ctx, caches)
		})
	}
	existing := func(ctx context.Context, caches *cache.Storage, name string) (*cache.Cache, error) {
		ok, err := caches.Has(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("cache %q not found", name)
		}
		return caches.Open(ctx, name)
	}

	var (
		putMatch    matchFlags
		putFile     string
		putStatus   int
		putRespHdrs []string
	)
	put := &cobra.Command{
		Use:   "put CACHE URL",
		Short: "Store a response body (from --file or stdin) for GET URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := putMatch.request(args[1])
			if err != nil {
				return err
			}
			respHeader, err := parseHeaders(putRespHdrs)
			if err != nil {
				return err
			}
			var body []byte
			if putFile != "" && putFile != "-" {
				body, err = os.ReadFile(putFile)
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			resp := &http.Response{
				StatusCode: putStatus,
				Status:     fmt.Sprintf("%d %s", putStatus, http.StatusText(putStatus)),
				Header:     respHeader,
				Body:       io.NopCloser(bytes.NewReader(body)),
			}
			return withCaches(cmd, func(ctx context.Context, caches *cache.Storage) error {
				target, err := caches.Open(ctx, args[0])
				if err != nil {
					return err
				}
				if err := target.Put(ctx, req, resp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "cached %s in %s (%s)\n", args[1], args[0], humanizeBytes(int64(len(body))))
				return nil
			})
		},
	}
	putMatch.register(put)
	put.Flags().StringVarP(&putFile, "file", "f", "", "response body file (default stdin)")
	put.Flags().IntVar(&putStatus, "status", http.StatusOK, "response status code")
	put.Flags().StringArrayVar(&putRespHdrs, "response-header", nil, "response header (Name: value), repeatable")

	var (
		matchOpts   matchFlags
		showHeaders bool
	)
	match := &cobra.Command{
		Use:   "match [CACHE] URL",
		Short: "Print the cached body for GET URL, searching every cache when CACHE is omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := matchOpts.request(args[len(args)-1])
			if err != nil {
				return err
			}
			return withCaches(cmd, func(ctx context.Context, caches *cache.Storage) error {
				var resp *http.Response
				if len(args) == 2 {
					target, err := existing(ctx, caches, args[0])
					if err != nil {
						return err
					}
					resp, err = target.Match(ctx, req, matchOpts.options())
					if err != nil {
						return err
					}
				} else if resp, err = caches.Match(ctx, req, matchOpts.options()); err != nil {
					return err
				}
				if resp == nil {
					return fmt.Errorf("no cached response for %s", req.URL)
				}
				defer resp.Body.Close()
				out := cmd.OutOrStdout()
				if showHeaders {
					fmt.Fprintf(out, "%s\n", resp.Status)
					if err := resp.Header.Write(out); err != nil {
						return err
					}
					fmt.Fprintln(out)
				}
				_, err := io.Copy(out, resp.Body)
				return err
			})
		},
	}
	matchOpts.register(match)
	match.Flags().BoolVarP(&showHeaders, "include", "i", false, "print status and headers before the body")

	var keysOpts matchFlags
	keys := &cobra.Command{
		Use:   "keys [CACHE]",
		Short: "List cache names, or the request URLs stored in CACHE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaches(cmd, func(ctx context.Context, caches *cache.Storage) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					names, err := caches.Keys(ctx)
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Fprintln(out, n)
					}
					return nil
				}
				target, err := existing(ctx, caches, args[0])
				if err != nil {
					return err
				}
				reqs, err := target.Keys(ctx, nil, keysOpts.options())
				if err != nil {
					return err
				}
				for _, r := range reqs {
					fmt.Fprintf(out, "%s %s\n", r.Method, r.URL)
				}
				return nil
			})
		},
	}

	var delOpts matchFlags
	del := &cobra.Command{
		Use:     "delete CACHE [URL]",
		Aliases: []string{"rm"},
		Short:   "Delete the entries matching URL, or the whole cache when URL is omitted",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaches(cmd, func(ctx context.Context, caches *cache.Storage) error {
				if len(args) == 1 {
					removed, err := caches.Delete(ctx, args[0])
					if err != nil {
						return err
					}
					if !removed {
						return fmt.Errorf("cache %q not found", args[0])
					}
					return nil
				}
				target, err := existing(ctx, caches, args[0])
				if err != nil {
					return err
				}
				req, err := delOpts.request(args[1])
				if err != nil {
					return err
				}
				removed, err := target.Delete(ctx, req, delOpts.options())
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no cached response for %s", args[1])
				}
				return nil
			})
		},
	}
	delOpts.register(del)

	cmd.AddCommand(put, match, keys, del)
	return cmd
}
