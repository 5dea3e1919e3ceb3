// The empctl command talks to a running empdb server.
//
//	empctl -p 8080 -l
//	empctl -p 8080 -a "Timmy H.,123 Sheshire Ln.,120"
//	empctl -p 8080 -u "Timmy H.,80" -r "Ada L."
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dcrodman/empdb/internal/client"
	"github.com/dcrodman/empdb/internal/packets"
)

type options struct {
	host    string
	port    int
	list    bool
	add     string
	remove  string
	update  string
	output  string
	timeout time.Duration
	debug   bool
}

// employeeOutput is how a listed employee is printed.
type employeeOutput struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Hours   uint32 `yaml:"hours"`
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("empctl", pflag.ContinueOnError)
	flags.StringVarP(&opts.host, "host", "H", "127.0.0.1", "Server host")
	flags.IntVarP(&opts.port, "port", "p", 0, "Server port (required)")
	flags.BoolVarP(&opts.list, "list", "l", false, "List every employee")
	flags.StringVarP(&opts.add, "add", "a", "", `Add an employee: "name,address,hours"`)
	flags.StringVarP(&opts.remove, "remove", "r", "", "Remove every employee with this name")
	flags.StringVarP(&opts.update, "update", "u", "", `Set an employee's hours: "name,hours"`)
	flags.StringVarP(&opts.output, "output", "o", "text", "List format: text or yaml")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "Timeout for each request")
	flags.BoolVar(&opts.debug, "debug", false, "Print every packet")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.port == 0 {
		fmt.Fprintln(os.Stderr, "a port must be provided with -p")
		flags.Usage()
		os.Exit(1)
	}

	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "empctl:", err)
		os.Exit(1)
	}
}

func run(opts options, out io.Writer) error {
	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	c, err := client.Dial(addr, opts.timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	c.Timeout = opts.timeout
	c.Debug = opts.debug
	c.DebugWriter = os.Stderr

	if err := c.Hello(); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if opts.add != "" {
		name, address, hours, err := parseAdd(opts.add)
		if err != nil {
			return err
		}
		count, err := c.Add(name, address, hours)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		fmt.Fprintf(out, "added %s (%d employees)\n", name, count)
	}

	if opts.update != "" {
		name, hours, err := parseUpdate(opts.update)
		if err != nil {
			return err
		}
		updated, err := c.UpdateHours(name, hours)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		fmt.Fprintf(out, "updated %d employee(s)\n", updated)
	}

	if opts.remove != "" {
		removed, err := c.Remove(opts.remove)
		if err != nil {
			return fmt.Errorf("remove: %w", err)
		}
		fmt.Fprintf(out, "removed %d employee(s)\n", removed)
	}

	if opts.list {
		employees, err := c.List()
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		if err := printEmployees(out, opts.output, employees); err != nil {
			return err
		}
	}

	return c.Goodbye()
}

func parseAdd(s string) (string, string, uint32, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("add expects \"name,address,hours\", got %q", s)
	}
	hours, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 32)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid hours %q: %w", parts[2], err)
	}
	return parts[0], parts[1], uint32(hours), nil
}

func parseUpdate(s string) (string, uint32, error) {
	i := strings.LastIndex(s, ",")
	if i < 0 {
		return "", 0, fmt.Errorf("update expects \"name,hours\", got %q", s)
	}
	hours, err := strconv.ParseUint(strings.TrimSpace(s[i+1:]), 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid hours %q: %w", s[i+1:], err)
	}
	return s[:i], uint32(hours), nil
}

func printEmployees(out io.Writer, format string, employees []packets.EmployeeRecord) error {
	switch format {
	case "yaml":
		list := make([]employeeOutput, len(employees))
		for i, e := range employees {
			list[i] = employeeOutput{Name: e.Name, Address: e.Address, Hours: e.Hours}
		}
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(map[string][]employeeOutput{"employees": list})
	case "text", "":
		for i, e := range employees {
			fmt.Fprintf(out, "Employee %d\n\tName: %s\n\tAddress: %s\n\tHours: %d\n", i, e.Name, e.Address, e.Hours)
		}
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}
