package conn

import "errors"

var (
	// ErrAlreadyOpen 连接已打开或正在打开
	ErrAlreadyOpen = errors.New("conn: already open or connecting")
	// ErrNoTarget 从未连接过，无法重连
	ErrNoTarget = errors.New("conn: no previous target to reconnect to")
)
