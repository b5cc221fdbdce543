package proto

import (
	"errors"
	"fmt"
)

// Header types understood by the wire protocol. Every frame starts with a
// header of exactly one of these kinds.
const (
	TYPE_AUTH         = "auth"
	TYPE_MSG          = "msg"
	TYPE_GROUP_MSG    = "group_msg"
	TYPE_CREATE_GROUP = "create_group"
	TYPE_JOIN_GROUP   = "join_group"
	TYPE_ADD_TO_GROUP = "add_to_group"
	TYPE_LIST         = "list"
	TYPE_FILE         = "file"
	TYPE_QUIT         = "quit"
	TYPE_INFO         = "info"
	TYPE_ERROR        = "error"
	TYPE_DELIVER_MSG  = "deliver_msg"
	TYPE_DELIVER_FILE = "deliver_file"
)

// Target kinds for file frames.
const (
	TARGET_USER  = "user"
	TARGET_GROUP = "group"
)

var ErrMissingField = errors.New("Missing required header field.")

// Header is the structured frame header. Exactly one kind is populated at a
// time; Validate enforces the fields each kind requires so malformed frames
// are rejected at the edge instead of deep in delivery.
type Header struct {
	Type      string              `json:"type"`
	Username  string              `json:"username,omitempty"`
	From      string              `json:"from,omitempty"`
	To        string              `json:"to,omitempty"`
	Text      string              `json:"text,omitempty"`
	Group     string              `json:"group,omitempty"`
	UserToAdd string              `json:"user_to_add,omitempty"`
	Message   string              `json:"message,omitempty"`
	Filename  string              `json:"filename,omitempty"`
	Filesize  int64               `json:"filesize,omitempty"`
	Target    string              `json:"target,omitempty"`
	Online    []string            `json:"online,omitempty"`
	Groups    map[string][]string `json:"groups,omitempty"`
}

func missing(kind, field string) error {
	return fmt.Errorf("%w (type=%v, field=%v)", ErrMissingField, kind, field)
}

// Validate checks the required fields of the header's kind. Unknown kinds
// pass; the connection handler answers those with error:unknown_type.
func (h *Header) Validate() error {
	switch h.Type {
	case TYPE_AUTH:
		if h.Username == "" {
			return missing(h.Type, "username")
		}
	case TYPE_MSG, TYPE_DELIVER_MSG:
		if h.To == "" {
			return missing(h.Type, "to")
		}
	case TYPE_GROUP_MSG, TYPE_CREATE_GROUP, TYPE_JOIN_GROUP:
		if h.Group == "" {
			return missing(h.Type, "group")
		}
	case TYPE_ADD_TO_GROUP:
		if h.Group == "" {
			return missing(h.Type, "group")
		}
		if h.UserToAdd == "" {
			return missing(h.Type, "user_to_add")
		}
	case TYPE_FILE, TYPE_DELIVER_FILE:
		if h.Filename == "" {
			return missing(h.Type, "filename")
		}
		if h.Filesize < 0 {
			return missing(h.Type, "filesize")
		}
		if h.Target == TARGET_GROUP {
			if h.Group == "" {
				return missing(h.Type, "group")
			}
		} else if h.To == "" {
			return missing(h.Type, "to")
		}
	}
	return nil
}

// Clone returns a shallow copy safe to stamp per-recipient fields onto.
func (h *Header) Clone() *Header {
	dup := *h
	return &dup
}

// Delivered maps a live header kind to its offline redelivery kind. Queued
// traffic reaches the recipient as deliver_msg/deliver_file so the front end
// can distinguish fresh traffic from catch-up.
func (h *Header) Delivered() *Header {
	dup := h.Clone()
	switch dup.Type {
	case TYPE_MSG:
		dup.Type = TYPE_DELIVER_MSG
	case TYPE_FILE:
		dup.Type = TYPE_DELIVER_FILE
	}
	return dup
}

func NewAuth(username string) *Header {
	return &Header{Type: TYPE_AUTH, Username: username}
}

func NewMsg(to, text string) *Header {
	return &Header{Type: TYPE_MSG, To: to, Text: text}
}

func NewGroupMsg(group, text string) *Header {
	return &Header{Type: TYPE_GROUP_MSG, Group: group, Text: text}
}

func NewCreateGroup(group string) *Header {
	return &Header{Type: TYPE_CREATE_GROUP, Group: group}
}

func NewJoinGroup(group string) *Header {
	return &Header{Type: TYPE_JOIN_GROUP, Group: group}
}

func NewAddToGroup(group, userToAdd string) *Header {
	return &Header{Type: TYPE_ADD_TO_GROUP, Group: group, UserToAdd: userToAdd}
}

func NewList() *Header {
	return &Header{Type: TYPE_LIST}
}

func NewUserFile(to, filename string, filesize int64) *Header {
	return &Header{Type: TYPE_FILE, To: to, Filename: filename, Filesize: filesize, Target: TARGET_USER}
}

func NewGroupFile(group, filename string, filesize int64) *Header {
	return &Header{Type: TYPE_FILE, Group: group, Filename: filename, Filesize: filesize, Target: TARGET_GROUP}
}

func NewQuit() *Header {
	return &Header{Type: TYPE_QUIT}
}

func NewInfo(message string) *Header {
	return &Header{Type: TYPE_INFO, Message: message}
}

func NewError(message string) *Header {
	return &Header{Type: TYPE_ERROR, Message: message}
}
