package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"

	"github.com/sci-bots/dropctl/bus"
	"github.com/sci-bots/dropctl/coord"
	"github.com/sci-bots/dropctl/device"
)

type EnvConfig struct {
	JWT_ISSUER string `env:"DROPCTL_ISSUER" envDefault:"DEV"`
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	SRCDIR     string `env:"SRCDIR" envDefault:"."`
	DATADIR    string `env:"DATADIR" envDefault:"./tmp"`

	DB          *storm.DB
	Session     *device.Session
	Settings    *SettingsStore
	Coordinator *coord.Coordinator
	StatusFeed  *StatusFeed
	Simulated   bool
}

var (
	ENV *EnvConfig
)

func init() {
	// Load main config
	ENV = new(EnvConfig)
	env.Parse(ENV)

	// setup database
	dbFile := filepath.Join(ENV.DATADIR, "live.db")
	if _, err := os.Stat(ENV.DATADIR); os.IsNotExist(err) {
		os.MkdirAll(ENV.DATADIR, 0755)
	}

	db, err := openDb(dbFile)
	if err != nil {
		panic(err)
	}
	ENV.DB = db
}

func main() {
	// process flags
	simulated := flag.Bool("sim", false, "Run against a simulated control board")
	port := flag.String("port", "0.0.0.0:8500", "Specify the ip:port to listen on")
	configFile := flag.String("config", "", "Path to the yaml config file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if ENV.DEBUG {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	defer ENV.DB.Close() // close database when finished

	// Load the process configuration
	filename := *configFile
	if filename == "" {
		filename, _ = filepath.Abs(ENV.SRCDIR + "/dropctl.yaml")
	}
	config, err := LoadConfig(filename)
	if err != nil {
		logger.Warn().Err(err).Str("file", filename).
			Msg("unable to read config file, using defaults")
		config = DefaultConfig()
	}

	settings, err := NewSettingsStore(ENV.DB)
	if err != nil {
		panic(fmt.Sprintf("Unable to load settings: %v", err))
	}
	ENV.Settings = settings

	// Control board session; -sim swaps in the simulator transport.
	ENV.Simulated = *simulated
	if ENV.Simulated {
		logger.Info().Msg("running with simulated control board")
		ENV.Session = device.NewSessionWith(logger,
			func(string) (device.ControlBoard, error) { return device.NewSimulatedBoard(), nil },
			func() []string { return []string{"simulator"} })
	} else {
		ENV.Session = device.NewSession(logger)
	}

	// Hub endpoint for the coordination core.
	node, err := bus.NewNode(config.PluginName, config.Hub, logger)
	if err != nil {
		panic(fmt.Sprintf("Unable to connect to message hub: %v", err))
	}
	defer node.Close()

	ENV.StatusFeed = NewStatusFeed()

	coordinator := coord.NewCoordinator(config.PluginName, node, ENV.Session, settings, logger)
	coordinator.OnStatus = ENV.StatusFeed.Broadcast
	coordinator.Prompt = func(host, remote string) bool {
		// No interactive reflash wizard here; leave the firmware alone
		// and surface the mismatch for the operator.
		logger.Warn().Str("driver", host).Str("firmware", remote).
			Msg("firmware does not match driver; run the flash tool to update")
		return false
	}
	ENV.Coordinator = coordinator

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(ctx)

	// Establish the initial board connection off the main goroutine so
	// the API comes up even with no device attached.
	coordinator.Do(func() {
		coordinator.ConnectAndVerify()
	})

	//---
	// Create a local shell
	//---
	{
		shell := ishell.New()
		shell.Println("dropctl development shell")
		shell.ShowPrompt(true)

		shell.AddCmd(&ishell.Cmd{
			Name: "createsuperuser",
			Help: "createsuperuser <email> <password>",
			Func: func(c *ishell.Context) {
				c.ShowPrompt(false)
				defer c.ShowPrompt(true)

				var email string
				if len(c.Args) >= 1 {
					email = c.Args[0]
				} else {
					c.Print("Email: ")
					email = c.ReadLine()
				}

				var password string
				if len(c.Args) >= 2 {
					password = c.Args[1]
				} else {
					c.Print("Password: ")
					password = c.ReadPassword()
				}

				user := &User{
					Email: email,
					Name:  email,
					Admin: true,
				}
				user.SetPassword([]byte(password))
				if err := ENV.DB.Save(user); err != nil {
					c.Err(err)
					return
				}

				c.Println("Superuser created")
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "connect",
			Help: "connect [port]",
			Func: func(c *ishell.Context) {
				if len(c.Args) >= 1 {
					settings.SetPreferredPort(c.Args[0])
				}
				coordinator.Call(func() {
					if err := coordinator.ConnectAndVerify(); err != nil {
						c.Err(err)
						return
					}
					c.Println(coordinator.Status())
				})
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "disconnect",
			Help: "disconnect from the control board",
			Func: func(c *ishell.Context) {
				coordinator.Call(coordinator.Disconnect)
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "status",
			Help: "show connection status",
			Func: func(c *ishell.Context) {
				coordinator.Call(func() {
					c.Println(coordinator.Status())
				})
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "state",
			Help: "show active channels",
			Func: func(c *ishell.Context) {
				coordinator.Call(func() {
					c.Printf("actuated area: %.2f\n", coordinator.Router().ActuatedArea())
					c.Printf("active channels: %v\n", coordinator.Store().Active())
				})
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "measure",
			Help: "measure voltage and capacitance",
			Func: func(c *ishell.Context) {
				coordinator.Call(func() {
					volts, err := ENV.Session.MeasureVoltage()
					if err != nil {
						c.Err(err)
						return
					}
					capacitance, err := ENV.Session.MeasureCapacitance()
					if err != nil {
						c.Err(err)
						return
					}
					c.Printf("voltage: %.2f V\ncapacitance: %.2e F\n", volts, capacitance)
				})
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "step",
			Help: "step <voltage> <frequency> <duration_ms>",
			Func: func(c *ishell.Context) {
				if len(c.Args) != 3 {
					c.Err(fmt.Errorf("usage: step <voltage> <frequency> <duration_ms>"))
					return
				}
				voltage, _ := strconv.ParseFloat(c.Args[0], 64)
				frequency, _ := strconv.ParseFloat(c.Args[1], 64)
				duration, _ := strconv.Atoi(c.Args[2])

				c.Printf("Running step V:%.1f F:%.1f D:%dms\n", voltage, frequency, duration)
				coordinator.Call(func() {
					coordinator.RunStep(coord.StepRequest{
						Voltage:   voltage,
						Frequency: frequency,
						Duration:  time.Duration(duration) * time.Millisecond,
					})
				})
			},
		})

		shell.AddCmd(&ishell.Cmd{
			Name: "realtime",
			Help: "realtime <on|off>",
			Func: func(c *ishell.Context) {
				if len(c.Args) != 1 {
					c.Err(fmt.Errorf("usage: realtime <on|off>"))
					return
				}
				on := c.Args[0] == "on"
				coordinator.Call(func() {
					coordinator.SetRealtime(on)
				})
			},
		})

		// Start an instance of the shell so it can be controlled from the CLI
		go shell.Start()
	}

	//---
	// Build the API routes
	//---
	r.Route("/api", func(r chi.Router) {
		// login
		r.Post("/login", Login)

		r.Route("/", func(r chi.Router) {
			// Seek, verify and validate JWT tokens
			if !ENV.DEBUG {
				r.Use(ValidateJWT)
			}

			r.Get("/status", GetStatus)
			r.Post("/step", PostStep)
			r.Post("/modes", PostModes)
			r.Post("/connect", PostConnect)
			r.Post("/disconnect", PostDisconnect)
			r.Get("/settings", GetSettings)
			r.Post("/settings", PostSettings)

			r.Get("/refresh_token", JWTRefresh)
		})
	})

	// Add websocket routes
	r.Route("/ws", func(r chi.Router) {
		if !ENV.DEBUG {
			r.Use(ValidateJWT)
		} else {
			fmt.Println("Running in debug mode. Authentication disabled.")
		}

		r.Get("/status", StatusSocketHandler)
	})

	fmt.Println("Listening on port", *port)
	if err := http.ListenAndServe(*port, r); err != nil {
		log.Fatal(err)
	}
}

func openDb(dbFile string) (db *storm.DB, err error) {
	db, err = storm.Open(dbFile)
	if err != nil {
		return
	}

	// call inits for each type
	if err := db.Init(&User{}); err != nil {
		return nil, err
	}
	if err := db.Init(&AppSettings{}); err != nil {
		return nil, err
	}

	return
}
