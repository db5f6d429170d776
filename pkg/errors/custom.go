package errors

/*
	内置错误码
	1xxx 通用错误
	2xxx 传输层错误
*/

var (
	// ErrServer 服务器错误
	ErrServer = New(1000, "server error", 500)
	// ErrBadRequest 请求参数错误
	ErrBadRequest = New(1001, "bad request", 400)
)

var (
	// ErrHandshakeFailed 握手失败（accept 不匹配、响应格式错误、读取响应头超时）
	ErrHandshakeFailed = New(2001, "handshake failed", 503)
	// ErrNotConnected 连接不在 OPEN 状态
	ErrNotConnected = New(2002, "not connected", 503)
	// ErrFrameMalformed 帧格式错误（未知操作码、长度字段非法）
	ErrFrameMalformed = New(2003, "frame malformed", 502)
	// ErrWriteFailed 写入失败
	ErrWriteFailed = New(2004, "write failed", 502)
	// ErrReadFailed 读取失败
	ErrReadFailed = New(2005, "read failed", 502)
	// ErrTimeout 存活检测或回退请求超时
	ErrTimeout = New(2006, "timeout", 504)
	// ErrOversizedFrame 负载长度超出协议或配置上限
	ErrOversizedFrame = New(2007, "oversized frame", 413)
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = New(2008, "connection closed", 503)
	// ErrFallbackFailed 回退请求失败（非 2xx 或请求错误）
	ErrFallbackFailed = New(2009, "fallback request failed", 502)
	// ErrFallbackUnavailable 套接字不可用且未启用回退
	ErrFallbackUnavailable = New(2010, "server not available", 503)
)
