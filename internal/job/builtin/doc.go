// Package builtin provides the reference jobs that can be declared in config:
// email (SMTP), backup (tar.gz of a directory), command (external program)
// and unit (systemd unit action over D-Bus).
package builtin
