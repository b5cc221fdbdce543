package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parley-im/parley/client"
	"github.com/parley-im/parley/proto"
)

const usage = "commands: /msg <user> <text>, /group create|join|add|msg ..., /sendfile <user> <path>, /sendgroupfile <group> <path>, /list, /quit"

// listen prints inbound traffic and saves received files under downloads,
// named <sender>_<filename>.
func listen(c *client.Client, downloads string) {
	for {
		header, payload, err := c.Receive()
		if err != nil {
			fmt.Println("connection to server lost")
			return
		}
		switch header.Type {
		case proto.TYPE_INFO:
			fmt.Println("[INFO]", header.Message)
		case proto.TYPE_ERROR:
			fmt.Println("[ERROR]", header.Message)
		case proto.TYPE_MSG, proto.TYPE_DELIVER_MSG:
			fmt.Printf("[%s -> you] %s\n", header.From, header.Text)
		case proto.TYPE_GROUP_MSG:
			fmt.Printf("[%s][%s] %s\n", header.Group, header.From, header.Text)
		case proto.TYPE_LIST:
			fmt.Println("online:", header.Online)
			fmt.Println("groups:", header.Groups)
		case proto.TYPE_FILE, proto.TYPE_DELIVER_FILE:
			name := filepath.Join(downloads, fmt.Sprintf("%s_%s", header.From, filepath.Base(header.Filename)))
			if err := os.WriteFile(name, payload, 0o644); err != nil {
				fmt.Println("failed to save file:", err)
				continue
			}
			if header.Target == proto.TARGET_GROUP {
				fmt.Printf("[FILE][%s][%s] saved %s (%d bytes)\n", header.Group, header.From, name, len(payload))
			} else {
				fmt.Printf("[FILE][%s] saved %s (%d bytes)\n", header.From, name, len(payload))
			}
		default:
			fmt.Println("[DEBUG] header:", header)
		}
	}
}

// interact reads commands from stdin until /quit or EOF.
func interact(c *client.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return c.Send(proto.NewQuit(), nil)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)

		var err error
		switch {
		case parts[0] == "/msg" && len(parts) >= 3:
			err = c.Send(proto.NewMsg(parts[1], strings.Join(parts[2:], " ")), nil)

		case parts[0] == "/group" && len(parts) >= 2:
			err = groupCommand(c, parts)

		case parts[0] == "/sendfile" && len(parts) >= 3:
			err = sendFile(c, parts[1], strings.Join(parts[2:], " "), false)

		case parts[0] == "/sendgroupfile" && len(parts) >= 3:
			err = sendFile(c, parts[1], strings.Join(parts[2:], " "), true)

		case parts[0] == "/list":
			err = c.Send(proto.NewList(), nil)

		case parts[0] == "/quit":
			fmt.Println("bye")
			return c.Send(proto.NewQuit(), nil)

		default:
			fmt.Println(usage)
		}
		if err != nil {
			return err
		}
	}
}

func groupCommand(c *client.Client, parts []string) error {
	switch {
	case parts[1] == "create" && len(parts) >= 3:
		return c.Send(proto.NewCreateGroup(parts[2]), nil)
	case parts[1] == "join" && len(parts) >= 3:
		return c.Send(proto.NewJoinGroup(parts[2]), nil)
	case parts[1] == "msg" && len(parts) >= 4:
		return c.Send(proto.NewGroupMsg(parts[2], strings.Join(parts[3:], " ")), nil)
	case parts[1] == "add" && len(parts) >= 4:
		return c.Send(proto.NewAddToGroup(parts[2], parts[3]), nil)
	default:
		fmt.Println("usage: /group create|join|msg|add ...")
		return nil
	}
}

func sendFile(c *client.Client, target, path string, group bool) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		fmt.Println("cannot read file:", err)
		return nil
	}
	name := filepath.Base(path)
	var header *proto.Header
	if group {
		header = proto.NewGroupFile(target, name, int64(len(payload)))
	} else {
		header = proto.NewUserFile(target, name, int64(len(payload)))
	}
	if err = c.Send(header, payload); err != nil {
		return err
	}
	fmt.Println("file sent")
	return nil
}
