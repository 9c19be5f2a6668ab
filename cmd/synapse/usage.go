package main

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	if w == nil {
		return
	}
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  synapse [print_config] [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags")
	fmt.Fprintln(w, "  config string config file path")
	fmt.Fprintln(w, "  server_name string federation server name")
	fmt.Fprintln(w, "  enable_http bool enable http")
	fmt.Fprintln(w, "  http_addr string http address")
	fmt.Fprintln(w, "  enable_grpc bool enable grpc")
	fmt.Fprintln(w, "  grpc_addr string grpc address")
	fmt.Fprintln(w, "  enable_auth bool enable auth")
	fmt.Fprintln(w, "  admin_token string admin token")
	fmt.Fprintln(w, "  log_level string log level")
	fmt.Fprintln(w, "  limit_large_room_joins bool limit large room joins")
	fmt.Fprintln(w, "  complexity_ceiling float complexity ceiling")
	fmt.Fprintln(w, "  store_backend string room store backend")
	fmt.Fprintln(w, "  redis_addr string redis address")
}
