package main

import (
	"encoding/json"
	"net/http"

	"github.com/nexus-edge/acquisition-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/acquisition-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/acquisition-gateway/internal/service"
)

type statusResponse struct {
	Service  string                        `json:"service"`
	Version  string                        `json:"version"`
	Tick     uint64                        `json:"tick"`
	Sampler  service.StatsSnapshot         `json:"sampler"`
	Schedule []service.DeviceStatus        `json:"schedule"`
	Devices  []modbus.DeviceStatusInfo     `json:"devices"`
	MQTT     *mqtt.StatsSnapshot           `json:"mqtt,omitempty"`
	Commands *service.CommandStatsSnapshot `json:"commands,omitempty"`
}

// newStatusHandler serves a JSON snapshot of the sampler, its devices and
// the MQTT components. publisher and commands may be nil.
func newStatusHandler(sampler *service.Sampler, devices []*modbus.Device, publisher *mqtt.Publisher, commands *service.CommandHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := statusResponse{
			Service:  serviceName,
			Version:  serviceVersion,
			Tick:     sampler.TickNumber(),
			Sampler:  sampler.Stats(),
			Schedule: sampler.DeviceStatuses(),
			Devices:  make([]modbus.DeviceStatusInfo, 0, len(devices)),
		}
		for _, dev := range devices {
			resp.Devices = append(resp.Devices, dev.Status())
		}
		if publisher != nil {
			st := publisher.Stats()
			resp.MQTT = &st
		}
		if commands != nil {
			st := commands.Stats()
			resp.Commands = &st
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
