package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"github.com/sci-bots/dropctl/coord"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusFeed pushes connection status updates to websocket clients.
// Updates originate on the coordinator loop; the feed marshals them out
// to clients without touching coordinator state from other goroutines.
type StatusFeed struct {
	lock    sync.Mutex
	clients map[*websocket.Conn]chan string
}

func NewStatusFeed() *StatusFeed {
	return &StatusFeed{clients: make(map[*websocket.Conn]chan string)}
}

// Broadcast queues a status line to every connected client. Slow
// clients drop updates rather than blocking the caller.
func (f *StatusFeed) Broadcast(status string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, c := range f.clients {
		select {
		case c <- status:
		default:
		}
	}
}

func (f *StatusFeed) add(conn *websocket.Conn) chan string {
	f.lock.Lock()
	defer f.lock.Unlock()

	c := make(chan string, 4)
	f.clients[conn] = c
	return c
}

func (f *StatusFeed) remove(conn *websocket.Conn) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.clients, conn)
}

// StatusSocketHandler streams connection status updates to a websocket
// client until it disconnects.
func StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print("upgrade:", err)
		return
	}
	defer conn.Close()

	msgs := ENV.StatusFeed.add(conn)
	defer ENV.StatusFeed.remove(conn)

	go func(conn *websocket.Conn, msgs chan string) {
		for msg := range msgs {
			conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
	}(conn, msgs)

	// Read loop only detects the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

//---
// REST API
//---

type StatusResponse struct {
	Status         string  `json:"status"`
	Port           string  `json:"port,omitempty"`
	Realtime       bool    `json:"realtime"`
	Running        bool    `json:"running"`
	ActuatedArea   float64 `json:"actuated_area"`
	ActiveChannels []int   `json:"active_channels"`
}

func GetStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse

	ENV.Coordinator.Call(func() {
		resp = StatusResponse{
			Status:         ENV.Coordinator.Status(),
			Port:           ENV.Session.Port(),
			Realtime:       ENV.Coordinator.Realtime(),
			Running:        ENV.Coordinator.Running(),
			ActuatedArea:   ENV.Coordinator.Router().ActuatedArea(),
			ActiveChannels: ENV.Coordinator.Store().Active(),
		}
	})

	render.JSON(w, r, resp)
}

type StepPayload struct {
	Voltage   float64 `json:"voltage"`
	Frequency float64 `json:"frequency"`
	Duration  int     `json:"duration"` // milliseconds
}

func (s *StepPayload) Bind(r *http.Request) error {
	return nil
}

// PostStep runs one protocol step with the supplied parameters.
func PostStep(w http.ResponseWriter, r *http.Request) {
	data := &StepPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	ENV.Coordinator.Call(func() {
		ENV.Coordinator.RunStep(coord.StepRequest{
			Voltage:   data.Voltage,
			Frequency: data.Frequency,
			Duration:  time.Duration(data.Duration) * time.Millisecond,
		})
	})

	render.JSON(w, r, map[string]string{"status": "ok"})
}

type ModesPayload struct {
	Realtime *bool `json:"realtime"`
	Running  *bool `json:"running"`
}

func (m *ModesPayload) Bind(r *http.Request) error {
	return nil
}

func PostModes(w http.ResponseWriter, r *http.Request) {
	data := &ModesPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	ENV.Coordinator.Call(func() {
		if data.Realtime != nil {
			ENV.Coordinator.SetRealtime(*data.Realtime)
		}
		if data.Running != nil {
			if *data.Running {
				ENV.Coordinator.StartProtocol(ENV.Coordinator.Store().MaxChannel())
			} else {
				ENV.Coordinator.PauseProtocol()
			}
		}
	})

	render.JSON(w, r, map[string]string{"status": "ok"})
}

type SettingsPayload struct {
	SerialPort       *string  `json:"serial_port"`
	DefaultVoltage   *float64 `json:"default_voltage"`
	DefaultFrequency *float64 `json:"default_frequency"`
	DefaultDuration  *int     `json:"default_duration"` // milliseconds
}

func (s *SettingsPayload) Bind(r *http.Request) error {
	return nil
}

func GetSettings(w http.ResponseWriter, r *http.Request) {
	settings := ENV.Settings.Get()

	render.JSON(w, r, SettingsPayload{
		SerialPort:       &settings.SerialPort,
		DefaultVoltage:   &settings.DefaultVoltage,
		DefaultFrequency: &settings.DefaultFrequency,
		DefaultDuration:  &settings.DefaultDuration,
	})
}

// PostSettings updates the persisted settings. A changed serial port
// triggers a reconnect on the coordinator loop.
func PostSettings(w http.ResponseWriter, r *http.Request) {
	data := &SettingsPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	settings := ENV.Settings.Get()
	if data.SerialPort != nil {
		settings.SerialPort = *data.SerialPort
	}
	if data.DefaultVoltage != nil {
		settings.DefaultVoltage = *data.DefaultVoltage
	}
	if data.DefaultFrequency != nil {
		settings.DefaultFrequency = *data.DefaultFrequency
	}
	if data.DefaultDuration != nil {
		settings.DefaultDuration = *data.DefaultDuration
	}

	if err := ENV.Settings.Update(settings); err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	ENV.Coordinator.Do(ENV.Coordinator.ApplySettings)

	GetSettings(w, r)
}

func PostConnect(w http.ResponseWriter, r *http.Request) {
	var err error
	ENV.Coordinator.Call(func() {
		err = ENV.Coordinator.ConnectAndVerify()
	})

	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	GetStatus(w, r)
}

func PostDisconnect(w http.ResponseWriter, r *http.Request) {
	ENV.Coordinator.Call(func() {
		ENV.Coordinator.Disconnect()
	})

	render.JSON(w, r, map[string]string{"status": "ok"})
}
