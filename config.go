package main

import (
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/sci-bots/dropctl/bus"
)

type Config struct {
	PluginName string        `yaml:"plugin_name"`
	Hub        bus.Endpoints `yaml:"hub"`
}

func DefaultConfig() Config {
	return Config{
		PluginName: "dropbot_plugin",
		Hub: bus.Endpoints{
			Command:   "tcp://localhost:31000",
			Subscribe: "tcp://localhost:31001",
			Publish:   "tcp://localhost:31002",
		},
	}
}

func LoadConfig(filename string) (config Config, err error) {
	config = DefaultConfig()

	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return
	}

	err = yaml.Unmarshal(raw, &config)
	return
}
