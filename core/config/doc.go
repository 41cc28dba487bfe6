// Package config loads typed settings from the environment.
//
// A .env file in the working directory is read once, then each struct type is
// parsed with caarlos0/env and cached, so components can load their own
// settings independently of the process wiring:
//
//	var cfg fanout.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
// MustLoad panics instead of returning the error and is meant for main.
// Tests that set variables with t.Setenv call Reset before loading.
package config
