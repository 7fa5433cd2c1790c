package cacherouter

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration read by the command line tool.
type FileConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Cache DB file name, or "memory".
	DB string `yaml:"db"`
	// Listen address of the admin HTTP server, disabled if empty.
	Admin        string        `yaml:"admin"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	NotFound     string        `yaml:"notFound"`
	Sequential   bool          `yaml:"sequential"`
	Routes       []RouteConfig `yaml:"routes"`
}

// RouteConfig is a route with a static response.
// A route with neither response nor microservice is a no-op.
type RouteConfig struct {
	Method       string `yaml:"method"`
	Path         string `yaml:"path"`
	Response     string `yaml:"response"`
	Microservice string `yaml:"microservice"`
}

func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// Route converts the configuration into a route.
func (c RouteConfig) Route() (Route, error) {
	route := Route{Method: c.Method, Path: c.Path}
	if c.Method == "" || c.Path == "" {
		return route, fmt.Errorf("route needs method and path: %+v", c)
	}
	switch {
	case c.Response != "" && c.Microservice != "":
		return route, fmt.Errorf("route %s %s has both response and microservice", c.Method, c.Path)
	case c.Response != "":
		route.Action = StaticResponse(c.Response)
	case c.Microservice != "":
		route.Action = Microservice{Path: c.Microservice}
	default:
		route.Action = NoOp{}
	}
	return route, nil
}

// RouteList converts all configured routes, keeping their order.
func (c FileConfig) RouteList() ([]Route, error) {
	routes := make([]Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		route, err := rc.Route()
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// StaticResponse returns a handler that always returns the given response.
func StaticResponse(response string) HandlerFunc {
	return func(io.Writer) (string, error) {
		return response, nil
	}
}
