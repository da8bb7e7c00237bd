/*
 * hum - Main process.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"

	getopt "github.com/pborman/getopt/v2"

	config "github.com/hum-sim/hum/config/configparser"
	controller "github.com/hum-sim/hum/emu/controller"
	D "github.com/hum-sim/hum/emu/device"
	"github.com/hum-sim/hum/emu/policy/memcontroller"
	"github.com/hum-sim/hum/emu/policy/silc"
	"github.com/hum-sim/hum/emu/policy/twolevel"
	"github.com/hum-sim/hum/emu/policy/umc"
	hex "github.com/hum-sim/hum/util/hex"
	logger "github.com/hum-sim/hum/util/logger"
)

var Logger *slog.Logger

// cliPort stands in for the CPU-side device that would normally issue
// requests: the workload driver below is its own retryer and its own
// response sink, since nothing ever needs to retry against it.
type cliPort struct {
	responses int
}

func (c *cliPort) RetryReq(portID int) {}

func (c *cliPort) RecvTimingResp(pkt *D.Packet) bool {
	c.responses++
	return true
}

func main() {
	optConfig := getopt.StringLong("config", 'c', "hum.cfg", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optPolicy := getopt.StringLong("policy", 'p', "", "Policy instance to drive with --workload (umc, silc, memcontroller, twolevel)")
	optWorkload := getopt.IntLong("workload", 'w', 0, "Number of synthetic read/write accesses to drive through --policy")
	optDebug := getopt.BoolLong("debug", 'd', "Verbose logging")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if *optLogFile != "" {
		var err error
		file, err = os.Create(*optLogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "can't create log file:", err)
			os.Exit(1)
		}
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, optDebug))
	slog.SetDefault(Logger)

	Logger.Info("hum started")

	if _, err := os.Stat(*optConfig); err != nil {
		Logger.Error("configuration file can't be found", "file", *optConfig)
		os.Exit(1)
	}

	if err := config.LoadConfigFile(*optConfig); err != nil {
		Logger.Error(err.Error())
		os.Exit(1)
	}

	Logger.Info("controllers built",
		"umc", len(umc.Built), "silc", len(silc.Built),
		"memcontroller", len(memcontroller.Built), "twolevel", len(twolevel.Built))

	if *optWorkload > 0 {
		if err := runWorkload(*optPolicy, *optWorkload); err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
	}

	printStats()
}

// resolveTarget finds the most recently built instance of the named
// policy and reports the address range a workload may legally touch.
func resolveTarget(policyName string) (target controller.RemapPolicy, lo, hi uint64, err error) {
	switch strings.ToLower(policyName) {
	case "umc":
		if len(umc.Built) == 0 {
			return nil, 0, 0, fmt.Errorf("no umc instance was built from the config file")
		}
		u := umc.Built[len(umc.Built)-1]
		return u, u.NMStart, u.FMStart + u.FMSize, nil
	case "silc":
		if len(silc.Built) == 0 {
			return nil, 0, 0, fmt.Errorf("no silc instance was built from the config file")
		}
		s := silc.Built[len(silc.Built)-1]
		return s, s.NMStart, s.FMStart + s.FMSize, nil
	case "memcontroller":
		if len(memcontroller.Built) == 0 {
			return nil, 0, 0, fmt.Errorf("no memcontroller instance was built from the config file")
		}
		m := memcontroller.Built[len(memcontroller.Built)-1]
		return m, 0, m.Size, nil
	case "twolevel":
		if len(twolevel.Built) == 0 {
			return nil, 0, 0, fmt.Errorf("no twolevel instance was built from the config file")
		}
		tl := twolevel.Built[len(twolevel.Built)-1]
		return tl, 0, tl.Size, nil
	default:
		return nil, 0, 0, fmt.Errorf("unknown --policy %q: expected umc, silc, memcontroller, or twolevel", policyName)
	}
}

// addCPUPort dispatches to the right concrete type's AddCPUPort, since
// each policy keeps its own CPUPort bookkeeping rather than exposing it
// through controller.RemapPolicy.
func addCPUPort(target controller.RemapPolicy, cpu *cliPort) int {
	switch t := target.(type) {
	case *umc.UMC:
		return t.AddCPUPort(cpu, cpu)
	case *silc.SILC:
		return t.AddCPUPort(cpu, cpu)
	case *memcontroller.MemController:
		return t.AddCPUPort(cpu, cpu)
	case *twolevel.TwoLevel:
		return t.AddCPUPort(cpu, cpu)
	default:
		panic(fmt.Errorf("addCPUPort: unhandled policy type %T", target))
	}
}

// runWorkload drives n synthetic read/write packets through the named
// policy's most recently built instance. Addresses are drawn 80% from a
// narrow working set and 20% uniformly across the full range, the way a
// real access stream clusters on a hot set but still occasionally
// touches cold pages.
func runWorkload(policyName string, n int) error {
	if policyName == "" {
		return fmt.Errorf("--workload requires --policy to name which controller to drive")
	}

	target, lo, hi, err := resolveTarget(policyName)
	if err != nil {
		return err
	}
	if hi <= lo+8 {
		return fmt.Errorf("%s: address range too small to drive a workload", policyName)
	}

	cpu := &cliPort{}
	portID := addCPUPort(target, cpu)

	working := lo + (hi-lo)/4
	workingSpan := (hi - lo) / 8
	if workingSpan < 8 {
		workingSpan = 8
	}

	for i := 0; i < n; i++ {
		var addr uint64
		if rand.Intn(100) < 80 {
			addr = working + uint64(rand.Int63n(int64(workingSpan)))
		} else {
			addr = lo + uint64(rand.Int63n(int64(hi-lo)))
		}
		addr -= addr % 8
		if addr+8 > hi {
			addr = hi - 8
		}

		var pkt *D.Packet
		if i%3 == 0 {
			pkt = D.NewPacket(addr, 8, D.Write, make([]byte, 8), 0)
		} else {
			pkt = D.NewPacket(addr, 8, D.Read, nil, 0)
		}

		var addrStr strings.Builder
		hex.FormatWord(&addrStr, []uint32{uint32(addr >> 32), uint32(addr)})
		Logger.Debug("workload access", "addr", strings.TrimSpace(addrStr.String()), "cmd", pkt.Cmd.String())

		if !target.HandleRequest(pkt, portID) {
			Logger.Warn("workload request rejected", "iteration", i)
		}
	}

	Logger.Info("workload complete", "policy", policyName, "accesses", n, "responses", cpu.responses)
	return nil
}

// printStats prints every built controller's final counters, the way
// the teacher's regStats() pass walks every device at shutdown.
func printStats() {
	for i, u := range umc.Built {
		Logger.Info(fmt.Sprintf("umc[%d] stats", i),
			"migrations", u.Stats.Migrations, "fmReads", u.Stats.FMReads, "fmWrites", u.Stats.FMWrites,
			"nmReads", u.Stats.NMReads, "nmWrites", u.Stats.NMWrites, "extraLatency", u.Stats.ExtraLatency())
	}
	for i, s := range silc.Built {
		Logger.Info(fmt.Sprintf("silc[%d] stats", i),
			"swaps", s.Stats.Swaps, "agingResets", s.Stats.AgingResets, "fmReads", s.Stats.FMReads,
			"fmWrites", s.Stats.FMWrites, "nmReads", s.Stats.NMReads, "nmWrites", s.Stats.NMWrites,
			"extraLatency", s.Stats.ExtraLatency())
	}
	for i, m := range memcontroller.Built {
		Logger.Info(fmt.Sprintf("memcontroller[%d] stats", i), "extraLatency", m.Stats.ExtraLatency())
	}
	for i, tl := range twolevel.Built {
		var ratio strings.Builder
		hex.FormatDecimal(&ratio, byte(tl.HitRatio()*100))
		Logger.Info(fmt.Sprintf("twolevel[%d] stats", i),
			"hits", tl.Hits, "misses", tl.Misses, "hitRatioPct", ratio.String())
	}
}
