package bus

import (
	"encoding/json"
	"syscall"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
)

// Node is a plugin endpoint on the message hub: a request/reply command
// socket, a fire-and-forget subscribe socket and a publish socket for
// outbound signals. All receive operations are non-blocking; an empty
// poll is the expected common case, not an error.
type Node struct {
	name string
	log  zerolog.Logger

	command   *zmq.Socket
	subscribe *zmq.Socket
	publish   *zmq.Socket

	open bool
}

type Endpoints struct {
	Command   string `yaml:"command"`
	Subscribe string `yaml:"subscribe"`
	Publish   string `yaml:"publish"`
}

func NewNode(name string, endpoints Endpoints, log zerolog.Logger) (n *Node, err error) {
	n = &Node{
		name: name,
		log:  log.With().Str("component", "bus").Logger(),
	}

	n.command, err = zmq.NewSocket(zmq.REP)
	if err != nil {
		return nil, err
	}
	if err = n.command.Connect(endpoints.Command); err != nil {
		n.Close()
		return nil, err
	}

	n.subscribe, err = zmq.NewSocket(zmq.SUB)
	if err != nil {
		n.Close()
		return nil, err
	}
	if err = n.subscribe.SetSubscribe(""); err != nil {
		n.Close()
		return nil, err
	}
	if err = n.subscribe.Connect(endpoints.Subscribe); err != nil {
		n.Close()
		return nil, err
	}

	n.publish, err = zmq.NewSocket(zmq.PUB)
	if err != nil {
		n.Close()
		return nil, err
	}
	if err = n.publish.Connect(endpoints.Publish); err != nil {
		n.Close()
		return nil, err
	}

	n.open = true
	return
}

func (n *Node) Name() string {
	return n.name
}

// again reports whether err is the "no message waiting" result of a
// non-blocking receive.
func again(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

// RecvCommand polls the command socket. ok is false when no frame is
// waiting.
func (n *Node) RecvCommand() (parts [][]byte, ok bool, err error) {
	parts, err = n.command.RecvMessageBytes(zmq.DONTWAIT)
	if err != nil {
		if again(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return parts, true, nil
}

// ReplyCommand sends the synchronous reply to the most recently
// received command frame.
func (n *Node) ReplyCommand(parts [][]byte) error {
	msg := make([]interface{}, len(parts))
	for i, p := range parts {
		msg[i] = p
	}
	_, err := n.command.SendMessage(msg...)
	return err
}

// RecvSubscribe polls the subscribe socket. ok is false when no frame
// is waiting.
func (n *Node) RecvSubscribe() (f Frame, ok bool, err error) {
	parts, err := n.subscribe.RecvMessageBytes(zmq.DONTWAIT)
	if err != nil {
		if again(err) {
			return f, false, nil
		}
		return f, false, err
	}

	f, err = ParseFrame(parts)
	if err != nil {
		return f, false, err
	}
	return f, true, nil
}

// Publish emits a (topic, JSON payload) signal pair.
func (n *Node) Publish(topic string, payload interface{}) error {
	if !n.open {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = n.publish.SendMessage(topic, body)
	return err
}

// Close is idempotent.
func (n *Node) Close() {
	for _, sock := range []*zmq.Socket{n.command, n.subscribe, n.publish} {
		if sock != nil {
			sock.Close()
		}
	}
	n.command = nil
	n.subscribe = nil
	n.publish = nil
	n.open = false
}
