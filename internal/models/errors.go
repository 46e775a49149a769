package models

import "errors"

// 错误口径：
// - ErrInvalidFinding 入口校验失败，拒绝并记日志，不重试
// - ErrUnknownAlert / ErrAlreadyResolved acknowledge/resolve 的调用方错误，原样返回
// 派发投递失败由外部 dispatcher 负责重试；计时器竞态由序号守卫自动消解，不对外暴露。
// 本引擎中没有任何错误是致命的：坏输入降级为 no-op 加一条日志
var (
	ErrInvalidFinding  = errors.New("invalid finding")
	ErrUnknownAlert    = errors.New("unknown alert")
	ErrAlreadyResolved = errors.New("alert already resolved")
)
