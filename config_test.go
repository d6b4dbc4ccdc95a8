package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

const testYaml = `
plugin_name: dropbot_plugin_test
hub:
  command: tcp://hub:9000
  subscribe: tcp://hub:9001
  publish: tcp://hub:9002
`

func TestLoadConfig(t *testing.T) {
	Convey("Config loads from yaml", t, func() {
		filename := filepath.Join(t.TempDir(), "dropctl.yaml")
		So(ioutil.WriteFile(filename, []byte(testYaml), 0644), ShouldBeNil)

		config, err := LoadConfig(filename)
		So(err, ShouldBeNil)
		So(config.PluginName, ShouldEqual, "dropbot_plugin_test")
		So(config.Hub.Command, ShouldEqual, "tcp://hub:9000")
		So(config.Hub.Publish, ShouldEqual, "tcp://hub:9002")
	})

	Convey("A missing file errors but still yields usable defaults", t, func() {
		config, err := LoadConfig("/nonexistent/dropctl.yaml")

		So(err, ShouldNotBeNil)
		So(config.PluginName, ShouldEqual, "dropbot_plugin")
		So(config.Hub.Command, ShouldNotBeEmpty)
	})
}
