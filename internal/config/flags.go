package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers command-line overrides for the most commonly tuned
// settings. Flag defaults are the values already loaded into cfg, so a flag
// only changes cfg when it is given on the command line.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "interface to listen on")
	fs.IntVarP(&cfg.Server.Port, "port", "p", cfg.Server.Port, "port number to listen on")
	fs.DurationVarP(&cfg.Server.ConnectionTimeout, "timeout", "t", cfg.Server.ConnectionTimeout, "connection idle timeout")
	fs.StringVarP(&cfg.Storage.Dir, "dir", "d", cfg.Storage.Dir, "storage directory for uploads and the converted image")
	fs.StringVar(&cfg.Upload.FieldPrefix, "field-prefix", cfg.Upload.FieldPrefix, "required prefix of the upload form field")
	fs.IntVar(&cfg.Upload.MaxWaiters, "max-waiters", cfg.Upload.MaxWaiters, "maximum number of parked uploads")
	fs.StringVar(&cfg.Convert.Backend, "convert", cfg.Convert.Backend, "converter backend: magick or native")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "log format: text or json")
}
