package api

const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <title>pagetrawl Controller API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <a href="/docs/events" style="
    position: fixed;
    top: 12px;
    right: 16px;
    z-index: 9999;
    background: #161b22;
    border: 1px solid #30363d;
    border-radius: 6px;
    color: #58a6ff;
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
    font-size: 12px;
    font-weight: 500;
    padding: 5px 12px;
    text-decoration: none;
  ">Session Events Docs →</a>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`

const eventsDocsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <title>pagetrawl Session Events</title>
  <style>
    body { background: #0d1117; color: #c9d1d9; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; max-width: 860px; margin: 40px auto; line-height: 1.5; }
    code { background: #161b22; padding: 1px 5px; border-radius: 4px; }
    table { border-collapse: collapse; width: 100%; }
    td, th { border: 1px solid #30363d; padding: 6px 10px; text-align: left; }
    a { color: #58a6ff; }
  </style>
</head>
<body>
  <p><a href="/docs">← REST API</a></p>
  <h1>Session events</h1>
  <p><code>GET /api/v1/events</code> streams <code>text/event-stream</code>. Each event's <code>data</code> is the session snapshot as JSON, without records.</p>
  <p>Filters: <code>?feeds=page,completed</code> limits event names, <code>?owner=&lt;target id&gt;</code> limits to one tab.</p>
  <table>
    <tr><th>Event</th><th>Sent when</th></tr>
    <tr><td><code>started</code></td><td>a session begins at the tab's current page</td></tr>
    <tr><td><code>resumed</code></td><td>a session continues from its checkpoint</td></tr>
    <tr><td><code>page</code></td><td>the records of one page were merged</td></tr>
    <tr><td><code>completed</code></td><td>the last page of the range was merged</td></tr>
    <tr><td><code>failed</code></td><td>the session stopped on an error; records and checkpoint are kept</td></tr>
    <tr><td><code>cancelled</code></td><td>the session was cancelled; records are kept</td></tr>
    <tr><td><code>exported</code></td><td>records were written to the sheet sink</td></tr>
  </table>
  <pre>event: page
data: {"owner_id":"7A1C...","status":"awaiting_worker","current_page":3,...}</pre>
</body>
</html>`
