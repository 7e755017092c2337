// Package api 組裝 HTTP 路由。
//
// 處理器放在 handlers 子套件，這裡只負責把路由、中間件與服務接在一起。
package api
