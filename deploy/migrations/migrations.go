package migrations

import "embed"

// Files 暴露提交日志所需的全部 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
