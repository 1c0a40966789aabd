package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/blesurvey/internal/device"
	"github.com/srg/blesurvey/internal/store"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// devicesCmd lists every surveyed device
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List surveyed devices",
	Long: `List every device recorded by the survey with its identifiers, connection
attempts and latest signal strength.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

// deviceCmd shows one device in detail
var deviceCmd = &cobra.Command{
	Use:   "device <address>",
	Short: "Show a surveyed device with its services and recent signal samples",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevice,
}

func init() {
	for _, c := range []*cobra.Command{devicesCmd, deviceCmd} {
		c.Flags().StringP("format", "f", "table", "Output format (table, json)")
		c.Flags().String("color", "auto", "Colorize output (auto, always, never)")
	}
	devicesCmd.Flags().Bool("unidentified", false, "Only list devices without a device id")
	deviceCmd.Flags().IntP("signals", "n", 10, "Number of recent signal samples to show (0 for all)")
}

// openReadOnly loads the configuration and opens the survey database for a reporting command
func openReadOnly(cmd *cobra.Command) (*store.SQLiteStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := configureLogger(cmd, cfg, true)
	return store.Open(cfg.Database, logger)
}

func runDevices(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return err
	}
	colorMode, _ := cmd.Flags().GetString("color")
	unidentified, _ := cmd.Flags().GetBool("unidentified")

	st, err := openReadOnly(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	devices, err := st.ListDevices(cmd.Context())
	if err != nil {
		return err
	}
	if unidentified {
		filtered := devices[:0]
		for _, d := range devices {
			if d.DeviceID == nil {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		list := make([]*orderedmap.OrderedMap[string, any], 0, len(devices))
		for _, d := range devices {
			list = append(list, deviceJSON(d))
		}
		return writeJSON(out, list)
	}

	p, err := newPalette(out, colorMode)
	if err != nil {
		return err
	}
	return displayDevicesTable(out, devices, p)
}

func displayDevicesTable(out io.Writer, devices []store.DeviceSummary, p *palette) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tDEVICE ID\tPUBLIC ADDRESS\tATTEMPTS\tSERVICES\tRSSI\tLAST SEEN")

	for _, d := range devices {
		id := p.bad.Sprint("-")
		if d.DeviceID != nil {
			id = p.ok.Sprint(*d.DeviceID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.Address,
			id,
			orDash(d.PublicAddress, func(s string) string { return s }),
			d.Attempts,
			orDash(d.ServiceCount, strconv.Itoa),
			orDash(d.LastRSSI, func(v int) string { return fmt.Sprintf("%d dBm", v) }),
			orDash(d.LastSeen, formatTime),
		)
	}

	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, p.dim.Sprintf("%d devices", len(devices)))
	return err
}

// deviceJSON renders a device with a stable key order
func deviceJSON(d store.DeviceSummary) *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	m.Set("address", d.Address)
	m.Set("device_id", d.DeviceID)
	m.Set("public_address", d.PublicAddress)
	m.Set("identified", d.Identified())
	m.Set("attempts", d.Attempts)
	m.Set("queued", d.Queued)
	m.Set("connected", d.Connected)
	m.Set("services", d.ServiceCount)
	m.Set("connect_time_ms", d.ConnectLatencyMS)
	m.Set("inquiry_time_ms", d.InquiryLatencyMS)
	m.Set("last_seen", d.LastSeen)
	m.Set("last_rssi", d.LastRSSI)
	m.Set("samples", d.Samples)
	return m
}

func runDevice(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := validateFormat(format); err != nil {
		return err
	}
	colorMode, _ := cmd.Flags().GetString("color")
	limit, _ := cmd.Flags().GetInt("signals")
	address := device.NormalizeAddress(args[0])

	st, err := openReadOnly(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	devices, err := st.ListDevices(ctx)
	if err != nil {
		return err
	}
	var summary *store.DeviceSummary
	for i := range devices {
		if devices[i].Address == address {
			summary = &devices[i]
			break
		}
	}
	if summary == nil {
		return fmt.Errorf("device %s: %w", address, store.ErrNotFound)
	}

	services, err := st.DeviceServices(ctx, address)
	if err != nil {
		return err
	}
	signals, err := st.DeviceSignals(ctx, address, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		m := deviceJSON(*summary)
		svc := orderedmap.New[string, any]()
		for _, s := range services {
			svc.Set(s.UUID, s.Characteristics)
		}
		m.Set("service_list", svc)
		sig := make([]*orderedmap.OrderedMap[string, any], 0, len(signals))
		for _, s := range signals {
			e := orderedmap.New[string, any]()
			e.Set("time", s.Time)
			e.Set("rssi", s.RSSI)
			e.Set("tx_power", s.Reported)
			sig = append(sig, e)
		}
		m.Set("signals", sig)
		return writeJSON(out, m)
	}

	p, err := newPalette(out, colorMode)
	if err != nil {
		return err
	}
	return displayDevice(out, *summary, services, signals, p)
}

func displayDevice(out io.Writer, d store.DeviceSummary, services []store.ServiceRecord, signals []store.SignalSample, p *palette) error {
	status := p.bad.Sprint("unidentified")
	if d.Identified() {
		status = p.ok.Sprint("identified")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Address:\t%s (%s)\n", d.Address, status)
	fmt.Fprintf(w, "Device ID:\t%s\n", orDash(d.DeviceID, func(s string) string { return s }))
	fmt.Fprintf(w, "Public address:\t%s\n", orDash(d.PublicAddress, func(s string) string { return s }))
	fmt.Fprintf(w, "Attempts:\t%d\n", d.Attempts)
	fmt.Fprintf(w, "Queued:\t%s\n", orDash(d.Queued, formatTime))
	fmt.Fprintf(w, "Connected:\t%s\n", orDash(d.Connected, formatTime))
	fmt.Fprintf(w, "Connect time:\t%s\n", orDash(d.ConnectLatencyMS, formatMillis))
	fmt.Fprintf(w, "Inquiry time:\t%s\n", orDash(d.InquiryLatencyMS, formatMillis))
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, p.head.Sprintf("Services (%s):", orDash(d.ServiceCount, strconv.Itoa)))
	for _, s := range services {
		fmt.Fprintf(out, "  %s  %s characteristics\n", s.UUID, orDash(s.Characteristics, strconv.Itoa))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, p.head.Sprintf("Signal (%d of %d samples):", len(signals), d.Samples))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range signals {
		fmt.Fprintf(w, "  %s\t%d dBm\t%s\n", formatTime(s.Time), s.RSSI,
			p.dim.Sprint("tx "+orDash(s.Reported, func(v int) string { return strconv.Itoa(v) + " dBm" })))
	}
	return w.Flush()
}
