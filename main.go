package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielpaulus/go-usbmux/usbmux"
	"github.com/danielpaulus/go-usbmux/usbmux/forward"
	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// JSONdisabled enables or disables output in JSON format
var JSONdisabled = false

func main() {
	Main()
}

const version = "local-build"

// Main Exports main for testing
func Main() {
	usage := fmt.Sprintf(`go-usbmux %s

Usage:
  go-usbmux listen [options]
  go-usbmux list [options]
  go-usbmux buid [options]
  go-usbmux connect [options] <devicePort>
  go-usbmux forward [options] <hostPort> <devicePort>
  go-usbmux -h | --help
  go-usbmux --version | version [options]

Options:
  -v --verbose        Enable Debug Logging.
  -t --trace          Enable Trace Logging (dump every message).
  --nojson            Disable JSON output (default).
  -h --help           Show this screen.
  --udid=<udid>       UDID of the device.
  --socket=<address>  usbmuxd address like unix:///var/run/usbmuxd or tcp://127.0.0.1:27015.

The commands work as following:
	The default output of all commands is JSON. Should you prefer human readable outout, specify the --nojson option with your command.
	By default, the first device found will be used for a command unless you specify a --udid=some_udid switch.
	Specify -v for debug logging and -t for dumping every message.
	Without --socket, USBMUXD_SOCKET_ADDRESS or the platform default is used.

   go-usbmux listen [options]                             Keeps a persistent connection open and notifies about newly connected or disconnected devices.
   go-usbmux list [options]                               Prints a list of all connected devices.
   go-usbmux buid [options]                               Prints the BUID of this host.
   go-usbmux connect [options] <devicePort>               Connects stdin and stdout to a TCP port on the device.
   go-usbmux forward [options] <hostPort> <devicePort>    Similar to iproxy, forward a TCP connection to the device.
   go-usbmux -h | --help                                  Prints this screen.
   go-usbmux --version | version [options]                Prints the version

  `, version)
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatal(err)
	}
	disableJSON, _ := arguments.Bool("--nojson")
	if disableJSON {
		JSONdisabled = true
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}

	traceLevelEnabled, _ := arguments.Bool("--trace")
	if traceLevelEnabled {
		log.Info("Set Trace mode")
		log.SetLevel(log.TraceLevel)
	} else {
		verboseLoggingEnabledLong, _ := arguments.Bool("--verbose")
		if verboseLoggingEnabledLong {
			log.Info("Set Debug mode")
			log.SetLevel(log.DebugLevel)
		}
	}
	log.Debug(arguments)

	shouldPrintVersionNoDashes, _ := arguments.Bool("version")
	shouldPrintVersion, _ := arguments.Bool("--version")
	if shouldPrintVersionNoDashes || shouldPrintVersion {
		printVersion()
		return
	}

	cfg := usbmux.DefaultConfig()
	if socket, _ := arguments.String("--socket"); socket != "" {
		cfg.SocketAddress = socket
	}
	client, err := usbmux.NewClient(cfg)
	exitIfError("invalid configuration", err)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, _ := arguments.Bool("listen")
	if b {
		startListening(ctx, client)
		return
	}

	b, _ = arguments.Bool("list")
	if b {
		printDeviceList(ctx, client)
		return
	}

	b, _ = arguments.Bool("buid")
	if b {
		buid, err := client.ReadBUID(ctx)
		exitIfError("failed reading BUID", err)
		if JSONdisabled {
			fmt.Println(buid)
		} else {
			fmt.Println(convertToJSONString(map[string]string{"BUID": buid}))
		}
		return
	}

	udid, _ := arguments.String("--udid")
	b, _ = arguments.Bool("connect")
	if b {
		devicePort, _ := arguments.Int("<devicePort>")
		device := getDevice(ctx, client, udid)
		pipeStdio(ctx, client, device, devicePort)
		return
	}

	b, _ = arguments.Bool("forward")
	if b {
		hostPort, _ := arguments.Int("<hostPort>")
		devicePort, _ := arguments.Int("<devicePort>")
		device := getDevice(ctx, client, udid)
		startForwarding(ctx, client, device, hostPort, devicePort)
		return
	}
}

func printVersion() {
	versionMap := map[string]interface{}{
		"version": version,
	}
	if JSONdisabled {
		fmt.Println(version)
	} else {
		fmt.Println(convertToJSONString(versionMap))
	}
}

func startListening(ctx context.Context, client *usbmux.Client) {
	events, err := client.WatchDevices(ctx)
	exitIfError("could not listen for devices", err)
	for event := range events {
		if JSONdisabled {
			fmt.Println(formatEvent(event))
			continue
		}
		fmt.Println(convertToJSONString(newEventJSON(event)))
	}
}

func printDeviceList(ctx context.Context, client *usbmux.Client) {
	devices, err := client.ListDevices(ctx)
	exitIfError("failed getting device list", err)
	if JSONdisabled {
		for _, device := range devices {
			fmt.Printf("%s %s\n", device.SerialNumber, device.ProductType())
		}
		return
	}
	fmt.Println(convertToJSONString(map[string][]usbmux.DeviceInfo{"deviceList": devices}))
}

func getDevice(ctx context.Context, client *usbmux.Client, udid string) usbmux.DeviceInfo {
	devices, err := client.ListDevices(ctx)
	exitIfError("failed getting device list", err)
	device, err := selectDevice(devices, udid)
	exitIfError("no device to use", err)
	log.WithFields(log.Fields{"udid": device.SerialNumber, "deviceID": device.DeviceID}).Debug("using device")
	return device
}

// selectDevice returns the device with the udid, or the first device if udid is empty.
func selectDevice(devices []usbmux.DeviceInfo, udid string) (usbmux.DeviceInfo, error) {
	if len(devices) == 0 {
		return usbmux.DeviceInfo{}, errors.New("no devices are attached")
	}
	if udid == "" {
		return devices[0], nil
	}
	for _, device := range devices {
		if device.SerialNumber == udid {
			return device, nil
		}
	}
	return usbmux.DeviceInfo{}, errors.Errorf("device '%s' not found", udid)
}

func pipeStdio(ctx context.Context, client *usbmux.Client, device usbmux.DeviceInfo, devicePort int) {
	tunnel, err := client.Connect(ctx, device.DeviceID, devicePort, 0)
	exitIfError("could not connect to device port", err)
	defer tunnel.Close()

	go func() {
		io.Copy(tunnel, os.Stdin)
		tunnel.Close()
	}()
	go func() {
		<-ctx.Done()
		tunnel.Close()
	}()
	if _, err := io.Copy(os.Stdout, tunnel); err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{"err": err}).Debug("tunnel closed")
	}
}

func startForwarding(ctx context.Context, client *usbmux.Client, device usbmux.DeviceInfo, hostPort int, devicePort int) {
	host, err := toPort(hostPort)
	exitIfError("invalid host port", err)
	target, err := toPort(devicePort)
	exitIfError("invalid device port", err)
	f, err := forward.Forward(ctx, client, device.DeviceID, host, target)
	exitIfError("failed to forward port", err)
	<-ctx.Done()
	exitIfError("failed closing forwarder", f.Close())
}

// toPort checks that port is a valid TCP port before it is narrowed to 16 bits.
func toPort(port int) (uint16, error) {
	if port < 1 || port > math.MaxUint16 {
		return 0, errors.Errorf("port %d is not between 1 and %d", port, math.MaxUint16)
	}
	return uint16(port), nil
}

type eventJSON struct {
	Type     string             `json:"type"`
	DeviceID uint32             `json:"deviceId"`
	Device   *usbmux.DeviceInfo `json:"device,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func newEventJSON(event usbmux.DeviceEvent) eventJSON {
	out := eventJSON{Type: event.Type.String(), DeviceID: event.DeviceID}
	if event.Type == usbmux.EventAttached {
		device := event.Device
		out.Device = &device
	}
	if event.Err != nil {
		out.Error = event.Err.Error()
	}
	return out
}

func formatEvent(event usbmux.DeviceEvent) string {
	switch event.Type {
	case usbmux.EventAttached:
		return fmt.Sprintf("Attached %d %s (%s)", event.DeviceID, event.Device.SerialNumber, event.Device.ProductType())
	case usbmux.EventClosed:
		if event.Err != nil {
			return fmt.Sprintf("Closed: %v", event.Err)
		}
		return "Closed"
	}
	return fmt.Sprintf("%s %d", event.Type, event.DeviceID)
}

func convertToJSONString(data interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		fmt.Println(err)
		return ""
	}
	return string(b)
}

func exitIfError(msg string, err error) {
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Fatal(msg)
	}
}
