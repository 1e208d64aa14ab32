// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is a small text-protocol front end over sharded string
// sets. Members are spread across N shards by hash; each shard's set is
// owned by a single worker goroutine, which is the concurrency model
// the dense set substrate requires. The command surface is a thin demo
// of the storage layer: no persistence, no replication, no pub/sub.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sablekv/denseset/strset"
)

// shardStats is a point-in-time snapshot of one shard's set counters.
type shardStats struct {
	size         int
	usedBuckets  int
	chainEntries int
	objBytes     uintptr
	capacity     int
}

// shard owns one string set. All access goes through ops, executed by
// the shard's worker goroutine.
type shard struct {
	id      int
	set     *strset.Set
	ops     chan func(*strset.Set)
	stopped chan struct{}
}

func (sh *shard) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case op := <-sh.ops:
			op(sh.set)
		case <-sh.stopped:
			sh.set.Clear()
			return
		}
	}
}

// do runs fn on the shard's worker and waits for it. Reports false if
// the shard has already stopped, in which case fn did not run.
func (sh *shard) do(fn func(*strset.Set)) bool {
	done := make(chan struct{})
	select {
	case sh.ops <- func(s *strset.Set) {
		fn(s)
		close(done)
	}:
		<-done
		return true
	case <-sh.stopped:
		return false
	}
}

func (sh *shard) stats() shardStats {
	var st shardStats
	sh.do(func(s *strset.Set) {
		ds := s.Dense()
		st = shardStats{
			size:         ds.Len(),
			usedBuckets:  ds.BucketCount(),
			chainEntries: ds.ChainCount(),
			objBytes:     ds.ObjBytes(),
			capacity:     ds.Capacity(),
		}
	})
	return st
}

// Server accepts text-protocol connections and fans commands out to the
// shard workers.
type Server struct {
	cfg Config
	log *zap.Logger

	shards []*shard
	ln     net.Listener
	msrv   *http.Server

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New builds a server from cfg. Call Run to start serving.
func New(cfg Config, log *zap.Logger) *Server {
	srv := &Server{
		cfg:   cfg,
		log:   log,
		conns: make(map[net.Conn]struct{}),
	}
	for i := 0; i < cfg.Shards; i++ {
		srv.shards = append(srv.shards, &shard{
			id:      i,
			set:     strset.New(0),
			ops:     make(chan func(*strset.Set)),
			stopped: make(chan struct{}),
		})
	}
	return srv
}

func (srv *Server) shardFor(member string) *shard {
	return srv.shards[xxhash.Sum64String(member)%uint64(len(srv.shards))]
}

// Addr returns the bound listen address, valid after Listen.
func (srv *Server) Addr() net.Addr { return srv.ln.Addr() }

// Listen binds the protocol listener. Serve picks it up.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", srv.cfg.Addr)
	}
	srv.ln = ln
	return nil
}

// Run listens and serves until ctx is cancelled.
func (srv *Server) Run(ctx context.Context) error {
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve accepts connections on the bound listener until ctx is
// cancelled, then drains connections and shard workers.
func (srv *Server) Serve(ctx context.Context) error {
	ln := srv.ln
	srv.log.Info("listening", zap.String("addr", ln.Addr().String()),
		zap.Int("shards", len(srv.shards)))

	if srv.cfg.MetricsAddr != "" {
		if err := srv.startMetrics(); err != nil {
			ln.Close()
			return err
		}
	}

	for _, sh := range srv.shards {
		srv.wg.Add(1)
		go sh.run(&srv.wg)
	}

	go func() {
		<-ctx.Done()
		srv.shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if closed {
				srv.wg.Wait()
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		srv.mu.Lock()
		srv.conns[conn] = struct{}{}
		srv.mu.Unlock()
		srv.wg.Add(1)
		go srv.serveConn(conn)
	}
}

func (srv *Server) shutdown() {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return
	}
	srv.closed = true
	conns := make([]net.Conn, 0, len(srv.conns))
	for c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()

	srv.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	if srv.msrv != nil {
		srv.msrv.Close()
	}
	for _, sh := range srv.shards {
		close(sh.stopped)
	}
}

func (srv *Server) startMetrics() error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(&statsCollector{shards: srv.shards}); err != nil {
		return errors.Wrap(err, "registering stats collector")
	}
	mln, err := net.Listen("tcp", srv.cfg.MetricsAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on metrics addr %s", srv.cfg.MetricsAddr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv.msrv = &http.Server{Handler: mux}
	go func() {
		if err := srv.msrv.Serve(mln); err != nil && err != http.ErrServerClosed {
			srv.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	srv.log.Info("metrics listening", zap.String("addr", mln.Addr().String()))
	return nil
}

func (srv *Server) serveConn(conn net.Conn) {
	defer srv.wg.Done()
	defer func() {
		srv.mu.Lock()
		delete(srv.conns, conn)
		srv.mu.Unlock()
		conn.Close()
	}()

	log := srv.log.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("connection open")

	sc := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if strings.EqualFold(fields[0], "QUIT") {
			fmt.Fprintf(w, "+OK\n")
			w.Flush()
			return
		}
		reply, err := srv.dispatch(fields[0], fields[1:])
		if err != nil {
			fmt.Fprintf(w, "-ERR %s: %s\n", status.Code(err), statusMessage(err))
		} else {
			fmt.Fprintf(w, "%s\n", reply)
		}
		if err := w.Flush(); err != nil {
			log.Debug("connection write failed", zap.Error(err))
			return
		}
	}
	log.Debug("connection closed", zap.Error(sc.Err()))
}

// statusMessage strips the error down to its message for the wire;
// wrapped detail stays in the server log.
func statusMessage(err error) string {
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}

func (srv *Server) dispatch(cmd string, args []string) (string, error) {
	switch strings.ToUpper(cmd) {
	case "ADD":
		if len(args) < 1 || len(args) > 2 {
			return "", status.Error(codes.InvalidArgument, "usage: ADD member [ttl]")
		}
		var ttl uint64
		if len(args) == 2 {
			var err error
			ttl, err = strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return "", status.Error(codes.InvalidArgument, "ttl must be a non-negative integer")
			}
		}
		var added bool
		srv.shardFor(args[0]).do(func(s *strset.Set) {
			added = s.Add(args[0], uint32(ttl))
		})
		return boolReply(added), nil

	case "DEL":
		if len(args) != 1 {
			return "", status.Error(codes.InvalidArgument, "usage: DEL member")
		}
		var removed bool
		srv.shardFor(args[0]).do(func(s *strset.Set) {
			removed = s.Remove(args[0])
		})
		if !removed {
			return "", status.Error(codes.NotFound, "no such member")
		}
		return ":1", nil

	case "HAS":
		if len(args) != 1 {
			return "", status.Error(codes.InvalidArgument, "usage: HAS member")
		}
		var found bool
		srv.shardFor(args[0]).do(func(s *strset.Set) {
			found = s.Contains(args[0])
		})
		return boolReply(found), nil

	case "LEN":
		if len(args) != 0 {
			return "", status.Error(codes.InvalidArgument, "usage: LEN")
		}
		total := 0
		for _, sh := range srv.shards {
			sh.do(func(s *strset.Set) {
				total += s.Len()
			})
		}
		return fmt.Sprintf(":%d", total), nil

	case "POP":
		if len(args) != 0 {
			return "", status.Error(codes.InvalidArgument, "usage: POP")
		}
		for _, sh := range srv.shards {
			var member string
			var ok bool
			sh.do(func(s *strset.Set) {
				member, ok = s.Pop()
			})
			if ok {
				return "+" + member, nil
			}
		}
		return "", status.Error(codes.NotFound, "set is empty")

	case "SCAN":
		// Cursors are per shard; the client walks one shard at a time.
		if len(args) != 2 {
			return "", status.Error(codes.InvalidArgument, "usage: SCAN shard cursor")
		}
		shardID, err := strconv.Atoi(args[0])
		if err != nil || shardID < 0 || shardID >= len(srv.shards) {
			return "", status.Errorf(codes.InvalidArgument,
				"shard must be in [0, %d)", len(srv.shards))
		}
		cursor, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return "", status.Error(codes.InvalidArgument, "cursor must be a 32-bit integer")
		}
		var next uint32
		var members []string
		srv.shards[shardID].do(func(s *strset.Set) {
			next = s.Scan(uint32(cursor), func(member string) {
				members = append(members, member)
			})
		})
		reply := fmt.Sprintf("+%d", next)
		if len(members) > 0 {
			reply += " " + strings.Join(members, " ")
		}
		return reply, nil

	case "TICK":
		if len(args) != 1 {
			return "", status.Error(codes.InvalidArgument, "usage: TICK now")
		}
		now, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return "", status.Error(codes.InvalidArgument, "now must be a 32-bit integer")
		}
		for _, sh := range srv.shards {
			sh.do(func(s *strset.Set) {
				s.SetTime(uint32(now))
			})
		}
		return "+OK", nil

	case "DEBUG":
		if len(args) != 0 {
			return "", status.Error(codes.InvalidArgument, "usage: DEBUG")
		}
		var parts []string
		for _, sh := range srv.shards {
			st := sh.stats()
			parts = append(parts, fmt.Sprintf(
				"shard=%d size=%d used_buckets=%d chain_entries=%d obj_bytes=%d capacity=%d",
				sh.id, st.size, st.usedBuckets, st.chainEntries, st.objBytes, st.capacity))
		}
		return "+" + strings.Join(parts, "; "), nil

	default:
		return "", status.Errorf(codes.Unimplemented, "unknown command %q", cmd)
	}
}

func boolReply(v bool) string {
	if v {
		return ":1"
	}
	return ":0"
}

var (
	statsSizeDesc = prometheus.NewDesc(
		"sablekv_shard_size", "Live members per shard", []string{"shard"}, nil)
	statsBucketsDesc = prometheus.NewDesc(
		"sablekv_shard_used_buckets", "Non-empty bucket heads per shard", []string{"shard"}, nil)
	statsChainsDesc = prometheus.NewDesc(
		"sablekv_shard_chain_entries", "Allocated chain nodes per shard", []string{"shard"}, nil)
	statsObjBytesDesc = prometheus.NewDesc(
		"sablekv_shard_object_bytes", "Accounted member bytes per shard", []string{"shard"}, nil)
	statsCapacityDesc = prometheus.NewDesc(
		"sablekv_shard_capacity", "Bucket array length per shard", []string{"shard"}, nil)
)

// statsCollector gathers shard counters through the shard workers, so
// scrapes never race with command execution. denseset.NewCollector is
// the single-owner variant; this one pays a channel round trip per
// shard per scrape instead.
type statsCollector struct {
	shards []*shard
}

var _ prometheus.Collector = (*statsCollector)(nil)

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- statsSizeDesc
	ch <- statsBucketsDesc
	ch <- statsChainsDesc
	ch <- statsObjBytesDesc
	ch <- statsCapacityDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, sh := range c.shards {
		st := sh.stats()
		label := strconv.Itoa(sh.id)
		ch <- prometheus.MustNewConstMetric(statsSizeDesc, prometheus.GaugeValue,
			float64(st.size), label)
		ch <- prometheus.MustNewConstMetric(statsBucketsDesc, prometheus.GaugeValue,
			float64(st.usedBuckets), label)
		ch <- prometheus.MustNewConstMetric(statsChainsDesc, prometheus.GaugeValue,
			float64(st.chainEntries), label)
		ch <- prometheus.MustNewConstMetric(statsObjBytesDesc, prometheus.GaugeValue,
			float64(st.objBytes), label)
		ch <- prometheus.MustNewConstMetric(statsCapacityDesc, prometheus.GaugeValue,
			float64(st.capacity), label)
	}
}
