// Package qmpbackupcfg holds the CLI-shared plumbing neither backup
// nor restore owns on its own: slog handler construction with
// rotating-file and syslog destinations, and viper-backed config-file
// binding so every cobra flag can be set from /etc/qmpbackup/config.yaml
// as well as the command line.
package qmpbackupcfg
