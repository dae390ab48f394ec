// sensor-seeder publishes synthetic sensor telemetry to an MQTT broker for
// development and load testing. It produces both the lightweight four-field
// payloads and the full instrumentation shape, and can simulate a fault
// regime on a subset of sensors.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/plantpulse-systems/plantpulse-ingest/internal/schema"
)

var (
	brokerURL  string
	topicShape string
	tenant     string
	site       string
	sensors    int
	interval   time.Duration
	count      int
	dense      bool
	faultRatio float64
	seed       int64
)

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

var rootCmd = &cobra.Command{
	Use:   "sensor-seeder",
	Short: "Publish synthetic sensor telemetry over MQTT",
	Long: `Generate and publish realistic sensor readings for testing the
ingest pipeline.

Examples:
  # 10 simple sensors, one reading each per second, forever
  sensor-seeder --broker tcp://localhost:1883

  # 4 dense-instrumented sensors, 30% in a fault regime, 500 readings total
  sensor-seeder --dense --sensors 4 --fault-ratio 0.3 --count 500

  # Tenant-scoped topics ({tenant}/{site}/sensors/{code})
  sensor-seeder --topic-shape tenant --tenant acme --site plant-1`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&brokerURL, "broker", "tcp://localhost:1883", "MQTT broker URL")
	rootCmd.Flags().StringVar(&topicShape, "topic-shape", "sensors", "topic shape: sensors, equipment or tenant")
	rootCmd.Flags().StringVar(&tenant, "tenant", "acme", "tenant code for tenant-shaped topics")
	rootCmd.Flags().StringVar(&site, "site", "plant-1", "site code for tenant-shaped topics")
	rootCmd.Flags().IntVar(&sensors, "sensors", 10, "number of distinct sensors")
	rootCmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between publish rounds")
	rootCmd.Flags().IntVarP(&count, "count", "c", 0, "total readings to publish (0 = run until interrupted)")
	rootCmd.Flags().BoolVar(&dense, "dense", false, "publish the full instrumentation payload shape")
	rootCmd.Flags().Float64Var(&faultRatio, "fault-ratio", 0, "fraction of sensors placed in a fault regime")
	rootCmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 = time-based)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type sensor struct {
	code     string
	topic    string
	faulty   bool
	baseline map[string]float64
}

func run(cmd *cobra.Command, args []string) error {
	if faultRatio < 0 || faultRatio > 1 {
		return fmt.Errorf("fault-ratio must be within [0, 1]")
	}
	if seed != 0 {
		gofakeit.Seed(seed)
		rng = rand.New(rand.NewSource(seed))
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(fmt.Sprintf("sensor-seeder-%s", gofakeit.UUID()[:8])).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	defer client.Disconnect(250)

	fleet := buildFleet()
	faulty := 0
	for _, s := range fleet {
		if s.faulty {
			faulty++
		}
	}
	fmt.Printf("Publishing to %s (%d sensors, %d faulty, dense=%v)\n", brokerURL, len(fleet), faulty, dense)

	published := 0
	for {
		for _, s := range fleet {
			payload := s.reading()
			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshal reading: %w", err)
			}
			if token := client.Publish(s.topic, 1, false, data); token.Wait() && token.Error() != nil {
				fmt.Fprintf(os.Stderr, "publish %s: %v\n", s.topic, token.Error())
				continue
			}
			published++
			if count > 0 && published >= count {
				fmt.Printf("Published %d readings\n", published)
				return nil
			}
		}
		time.Sleep(interval)
	}
}

func buildFleet() []*sensor {
	fleet := make([]*sensor, 0, sensors)
	for i := 0; i < sensors; i++ {
		code := fmt.Sprintf("%s-%03d", strings.ToLower(gofakeit.Word()), i+1)
		s := &sensor{
			code:   code,
			topic:  topicFor(code),
			faulty: rng.Float64() < faultRatio,
		}
		if dense {
			s.baseline = make(map[string]float64)
			for _, col := range schema.DenseBaseColumns() {
				s.baseline[col] = baselineFor(col)
			}
		}
		fleet = append(fleet, s)
	}
	return fleet
}

func topicFor(code string) string {
	switch topicShape {
	case "equipment":
		return "equipment/" + code
	case "tenant":
		return fmt.Sprintf("%s/%s/sensors/%s", tenant, site, code)
	default:
		return "sensors/" + code
	}
}

// reading builds one payload. Faulty sensors drift upward with extra noise
// so the classifier has something to find.
func (s *sensor) reading() map[string]any {
	if !dense {
		return s.simpleReading()
	}
	return s.denseReading()
}

func (s *sensor) simpleReading() map[string]any {
	drift := 0.0
	if s.faulty {
		drift = 1.0 + rng.Float64()
	}
	return map[string]any{
		"sensor_id":   s.code,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"temperature": jitter(45, 5) + drift*8,
		"vibration":   jitter(2.5, 0.5) + drift*1.5,
		"pressure":    jitter(101.3, 2),
		"humidity":    jitter(40, 10),
	}
}

func (s *sensor) denseReading() map[string]any {
	payload := map[string]any{
		"sensor_id": s.code,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"state":     "running",
		"regime":    "steady",
	}
	if s.faulty {
		payload["regime"] = "degraded"
	}
	for col, base := range s.baseline {
		v := jitter(base, base*0.05)
		if s.faulty && strings.Contains(col, "vib_band") {
			v *= 1.4 + rng.Float64()*0.6
		}
		if s.faulty && strings.HasSuffix(col, "temp_c") {
			v += 10 + rng.Float64()*5
		}
		payload[col] = v
	}
	return payload
}

func baselineFor(col string) float64 {
	switch {
	case strings.Contains(col, "vib_band"):
		return 1 + rng.Float64()*3
	case strings.HasSuffix(col, "ultra_db"):
		return 20 + rng.Float64()*15
	case strings.HasSuffix(col, "temp_c"):
		return 40 + rng.Float64()*15
	default:
		return rng.Float64() * 10
	}
}

func jitter(base, spread float64) float64 {
	return base + (rng.Float64()*2-1)*spread
}
