// Package middleware 提供 HTTP 請求處理的中間件。
//
// 目前包含 JWT 驗證（必要與可選兩種）以及以 zerolog 寫出的請求日誌。
package middleware
