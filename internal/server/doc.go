// Package server は、カメラ操作と録画のHTTP APIを提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラの開始・停止と状態取得
//   - MJPEG / WebSocket によるプレビュー配信
//   - 同期録画の開始・停止と状態取得
//
// 仕様:
//   - ルーティングは gin を使用
//   - WebSocket は gorilla/websocket を使用
//   - ハンドラーは control パッケージだけを呼ぶ
//   - エラーは ErrorResponse として返し、種類に応じてステータスコードを変える
package server
