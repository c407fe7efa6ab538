package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type deviceView struct {
	DeviceID     string `json:"device_id"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	Approved     bool   `json:"approved"`
	QueueDepth   int    `json:"queue_depth"`
	LastSeen     int64  `json:"last_seen"`
	Capabilities []struct {
		Name string `json:"name"`
	} `json:"capabilities"`
}

// devicesCmd lists registered devices
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		var resp struct {
			Devices []deviceView `json:"devices"`
		}
		if err := c.do(http.MethodGet, "/api/devices", nil, &resp); err != nil {
			return err
		}

		if len(resp.Devices) == 0 {
			fmt.Println("No devices registered.")
			return nil
		}

		fmt.Printf("Registered devices (%d):\n\n", len(resp.Devices))
		for _, d := range resp.Devices {
			name := d.DisplayName
			if name == "" {
				name = "(unnamed)"
			}
			status := "approved"
			if !d.Approved {
				status = "PENDING APPROVAL"
			}
			caps := make([]string, 0, len(d.Capabilities))
			for _, c := range d.Capabilities {
				caps = append(caps, c.Name)
			}
			fmt.Printf("  %s  %s [%s, %s]\n", d.DeviceID, name, d.Role, status)
			fmt.Printf("    capabilities: %s\n", strings.Join(caps, ", "))
			fmt.Printf("    queued jobs: %d, last seen: %s\n\n",
				d.QueueDepth, time.Unix(d.LastSeen, 0).Format(time.DateTime))
		}
		return nil
	},
}

// registerCmd registers or updates a device from the dashboard side
var registerCmd = &cobra.Command{
	Use:   "register <device-id>",
	Short: "Register a device (pre-approved)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		capNames, _ := cmd.Flags().GetStringSlice("capability")
		role, _ := cmd.Flags().GetString("role")

		caps := make([]map[string]any, 0, len(capNames))
		for _, n := range capNames {
			caps = append(caps, map[string]any{"name": n})
		}
		meta := map[string]any{}
		if name != "" {
			meta["display_name"] = name
		}
		if role != "" {
			meta["role"] = role
		}

		body := map[string]any{
			"device_id":    args[0],
			"capabilities": caps,
			"meta":         meta,
			"approved":     true,
		}
		var resp struct {
			Status string `json:"status"`
		}
		if err := c.do(http.MethodPost, "/api/devices/register", body, &resp); err != nil {
			return err
		}
		fmt.Printf("Device %s: %s\n", args[0], resp.Status)
		return nil
	},
}

// approveCmd approves a device that self-registered and is waiting
var approveCmd = &cobra.Command{
	Use:   "approve <device-id>",
	Short: "Approve a pending device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		body := map[string]any{
			"device_id":    args[0],
			"capabilities": []any{},
			"approved":     true,
		}
		var resp struct {
			Status string `json:"status"`
		}
		if err := c.do(http.MethodPost, "/api/devices/register", body, &resp); err != nil {
			return err
		}
		fmt.Printf("Device %s approved\n", args[0])
		return nil
	},
}

// renameCmd sets or clears a device's friendly name
var renameCmd = &cobra.Command{
	Use:   "rename <device-id> [name]",
	Short: "Set a device's friendly name (omit name to clear)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		var body map[string]any
		if len(args) == 2 {
			body = map[string]any{"display_name": args[1]}
		} else {
			body = map[string]any{"display_name": nil}
		}
		path := fmt.Sprintf("/api/devices/%s/name", url.PathEscape(args[0]))
		if err := c.do(http.MethodPatch, path, body, nil); err != nil {
			return err
		}
		fmt.Printf("Device %s renamed\n", args[0])
		return nil
	},
}

// deleteCmd removes a device and everything queued for it
var deleteCmd = &cobra.Command{
	Use:   "delete <device-id>",
	Short: "Delete a device and its queued jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		path := "/api/devices/" + url.PathEscape(args[0])
		if err := c.do(http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
		fmt.Printf("Device %s deleted\n", args[0])
		return nil
	},
}

func init() {
	registerCmd.Flags().String("name", "", "Friendly device name")
	registerCmd.Flags().StringSlice("capability", nil, "Capability name (repeatable)")
	registerCmd.Flags().String("role", "", "Device role (standard or agent)")
}
