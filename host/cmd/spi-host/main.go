package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"rdkfw/core"
	"rdkfw/host/bridge"
	"rdkfw/host/serial"
	"rdkfw/host/spidev"
)

var (
	device  = flag.String("device", "/dev/ttyACM0", "Serial device path")
	baud    = flag.Int("baud", 250000, "Baud rate (ignored for USB CDC)")
	sim     = flag.Bool("sim", false, "Run against an in-process simulated board")
	spiBus  = flag.String("spidev", "", "Run the firmware in process on a Linux SPI port (e.g. SPI0.0)")
	csPins  = flag.String("cs", "", "Chip-select GPIOs for -spidev, e.g. sd=8,lcd=25")
	timeout = flag.Duration("timeout", 2*time.Second, "Per-request timeout")
	verbose = flag.Bool("verbose", false, "Print the dictionary after connecting")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [command args...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "With no command, reads commands from stdin.")
		flag.PrintDefaults()
		printHelp(os.Stderr)
	}
	flag.Parse()

	client, closeFn, err := connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeFn()

	if *verbose {
		printDictionary(client.Dictionary())
	}

	if flag.NArg() > 0 {
		if err := run(client, flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			closeFn()
			os.Exit(1)
		}
		return
	}

	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" || args[0] == "q" {
			return
		}
		if err := run(client, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}

// connect opens the board named by the flags and loads its dictionary
func connect() (*bridge.Client, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *sim {
		s, err := bridge.NewSimulator()
		if err != nil {
			return nil, nil, err
		}
		c, err := s.Dial(ctx)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		fmt.Println("Connected to simulated board")
		return c, func() { c.Close(); s.Close() }, nil
	}

	if *spiBus != "" {
		pins, err := parsePins(*csPins)
		if err != nil {
			return nil, nil, err
		}
		cfg := spidev.DefaultConfig(*spiBus)
		port, err := spidev.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		s, err := bridge.NewBoard(port, spidev.NewGPIO(), core.BoardConfig{
			Clock:          cfg.Clock,
			BitRate:        core.DefaultBitRate,
			ChipSelectPins: pins,
		})
		if err != nil {
			port.Close()
			return nil, nil, err
		}
		c, err := s.Dial(ctx)
		if err != nil {
			s.Close()
			port.Close()
			return nil, nil, err
		}
		fmt.Printf("Running on %s\n", *spiBus)
		return c, func() { c.Close(); s.Close(); port.Close() }, nil
	}

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	c, err := bridge.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", *device, err)
	}
	fmt.Printf("Connected to %s\n", *device)
	return c, func() { c.Close() }, nil
}

var errUsage = errors.New("bad arguments (type 'help')")

// run executes one command line
func run(c *bridge.Client, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "help", "?":
		printHelp(os.Stdout)

	case "dict":
		printDictionary(c.Dictionary())

	case "setup":
		if len(args) < 2 {
			return errUsage
		}
		ch, err := parseChannel(args[1])
		if err != nil {
			return err
		}
		var activeHigh, perByte bool
		for _, opt := range args[2:] {
			switch opt {
			case "active-high":
				activeHigh = true
			case "per-byte":
				perByte = true
			default:
				return fmt.Errorf("unknown option %q", opt)
			}
		}
		if err := c.SetupChannel(ctx, ch, activeHigh, perByte); err != nil {
			return err
		}
		fmt.Printf("%s configured\n", core.ChannelName(ch))

	case "rate":
		if len(args) != 2 {
			return errUsage
		}
		hz, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("rate %q: %w", args[1], err)
		}
		info, err := c.SetRate(ctx, uint32(hz))
		fmt.Printf("rate %d Hz (prescaler %d, divisor %d)\n", info.Rate, info.Prescaler, info.Divisor)
		return err

	case "xfer", "send":
		if len(args) < 3 {
			return errUsage
		}
		ch, err := parseChannel(args[1])
		if err != nil {
			return err
		}
		data, err := parseBytes(args[2:])
		if err != nil {
			return err
		}
		if args[0] == "send" {
			return c.Send(ctx, ch, data)
		}
		rx, err := c.Transfer(ctx, ch, data)
		if err != nil {
			return err
		}
		fmt.Printf("% x\n", rx)

	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("busy=%v overruns=%d spurious=%d completed=%d rate=%d\n",
			st.Busy, st.Overruns, st.Spurious, st.Completed, st.Rate)

	case "uptime":
		up, err := c.Uptime(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("uptime %v\n", up)

	case "stop":
		return c.EmergencyStop(ctx)

	case "clear":
		return c.ClearShutdown(ctx)

	case "shutdown":
		shut, reason, err := c.Shutdown(ctx)
		if err != nil {
			return err
		}
		if shut {
			fmt.Printf("shut down: %s\n", reason)
		} else {
			fmt.Println("running")
		}

	default:
		return fmt.Errorf("unknown command %q (type 'help')", args[0])
	}
	return nil
}

// parseChannel accepts a channel name or number
func parseChannel(s string) (core.SPIChannel, error) {
	for ch := core.SPIChannel(0); ch < core.MaxSPIChannels; ch++ {
		if strings.EqualFold(s, core.ChannelName(ch)) {
			return ch, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown channel %q", s)
	}
	return core.SPIChannel(n), nil
}

// parsePins reads channel=gpio pairs separated by commas
func parsePins(s string) (map[core.SPIChannel]core.GPIOPin, error) {
	pins := make(map[core.SPIChannel]core.GPIOPin)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, num, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("chip select %q: expected channel=gpio", pair)
		}
		ch, err := parseChannel(name)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseUint(num, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("chip select %q: %w", pair, err)
		}
		pins[ch] = core.GPIOPin(n)
	}
	if len(pins) == 0 {
		return nil, errors.New("no chip-select pins given (use -cs)")
	}
	return pins, nil
}

// parseBytes reads hex bytes, separated by spaces or commas
func parseBytes(args []string) ([]byte, error) {
	var out []byte
	for _, arg := range args {
		for _, tok := range strings.Split(arg, ",") {
			tok = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(tok)), "0x")
			if tok == "" {
				continue
			}
			v, err := strconv.ParseUint(tok, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("byte %q: %w", tok, err)
			}
			out = append(out, byte(v))
		}
	}
	return out, nil
}

func printHelp(w *os.File) {
	fmt.Fprintln(w, "\nAvailable commands:")
	fmt.Fprintln(w, "  help                               - Show this help message")
	fmt.Fprintln(w, "  dict                               - Print the board dictionary")
	fmt.Fprintln(w, "  setup <ch> [active-high] [per-byte] - Configure a channel's select line")
	fmt.Fprintln(w, "  rate <hz>                          - Set the bus rate")
	fmt.Fprintln(w, "  xfer <ch> <hex bytes...>           - Full duplex transfer, prints the reply")
	fmt.Fprintln(w, "  send <ch> <hex bytes...>           - Transfer and discard the reply")
	fmt.Fprintln(w, "  status                             - Print engine counters")
	fmt.Fprintln(w, "  uptime                             - Print time since boot")
	fmt.Fprintln(w, "  stop                               - Emergency stop: refuse transfers")
	fmt.Fprintln(w, "  clear                              - Leave emergency stop")
	fmt.Fprintln(w, "  shutdown                           - Print the shutdown state")
	fmt.Fprintln(w, "  quit/exit/q                        - Exit")
	fmt.Fprintln(w, "\nChannels: sd, wifi, lcd, pmod1, pmod2 or a number")
	fmt.Fprintln(w)
}

func printDictionary(d *bridge.Dictionary) {
	if d == nil {
		fmt.Println("No dictionary loaded")
		return
	}

	fmt.Println("\n=== Board Dictionary ===")
	fmt.Printf("Version: %s\n", d.Version)
	fmt.Printf("Build: %s\n", d.BuildVersions)

	fmt.Println("\nConfig:")
	for _, k := range sortedKeys(d.Config) {
		fmt.Printf("  %s = %s\n", k, d.Config[k])
	}

	fmt.Printf("\nCommands (%d):\n", len(d.Commands))
	for _, sig := range sortedKeys(d.Commands) {
		fmt.Printf("  [%d] %s\n", d.Commands[sig], sig)
	}
	fmt.Printf("\nResponses (%d):\n", len(d.Responses))
	for _, sig := range sortedKeys(d.Responses) {
		fmt.Printf("  [%d] %s\n", d.Responses[sig], sig)
	}
	fmt.Println()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
