package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>inboxd</title>
  <style>
    :root {
      --ink: #17212b;
      --paper: #f6f5f1;
      --card: #ffffff;
      --line: #d8d4c8;
      --accent: #2a7de1;
      --ok: #1f9d58;
      --err: #c2483f;
      --muted: #73808d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      min-height: 100vh;
      padding: 24px;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.88rem; }
    .counts { display: flex; gap: 12px; margin-top: 10px; }
    .counts .pill {
      border: 1px solid var(--line);
      border-radius: 999px;
      padding: 6px 14px;
      font-size: 0.9rem;
    }
    .pill b { color: var(--accent); }
    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    .status-done { color: var(--ok); }
    .status-error { color: var(--err); }
    .status-calling { color: var(--muted); }
    button {
      border: 1px solid var(--line);
      border-radius: 8px;
      background: var(--card);
      padding: 8px 14px;
      font-family: inherit;
      cursor: pointer;
    }
    button:hover { border-color: var(--accent); color: var(--accent); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>inboxd</h1>
      <div class="sub">unified inbox cache &mdash; unread counts and live operation log</div>
      <div class="counts" id="counts"></div>
      <div style="margin-top:10px"><button onclick="triggerSync()">Sync now</button></div>
    </div>
    <div class="card">
      <table>
        <thead>
          <tr><th>#</th><th>Operation</th><th>Platform</th><th>Status</th><th>Duration</th><th>Summary</th></tr>
        </thead>
        <tbody id="ops"></tbody>
      </table>
    </div>
  </div>
  <script>
    const opsBody = document.getElementById('ops');
    const rows = new Map();

    function renderOp(op) {
      let tr = rows.get(op.id);
      if (!tr) {
        tr = document.createElement('tr');
        rows.set(op.id, tr);
        opsBody.prepend(tr);
      }
      const dur = op.duration_ms != null ? op.duration_ms + ' ms' : '';
      tr.innerHTML = '<td>' + op.id + '</td><td>' + op.operation + '</td><td>' +
        (op.platform || '') + '</td><td class="status-' + op.status + '">' + op.status +
        '</td><td>' + dur + '</td><td>' + (op.result_summary || '') + '</td>';
      while (opsBody.children.length > 50) {
        opsBody.removeChild(opsBody.lastChild);
      }
    }

    async function refresh() {
      const counts = await fetch('/v1/messages/unread-counts').then(r => r.json());
      document.getElementById('counts').innerHTML =
        Object.entries(counts.counts).map(([p, n]) => '<span class="pill">' + p + ' <b>' + n + '</b></span>').join('') +
        '<span class="pill">total <b>' + counts.total + '</b></span>';
      const ops = await fetch('/v1/ops?limit=50').then(r => r.json());
      ops.operations.slice().reverse().forEach(renderOp);
    }

    async function triggerSync() {
      await fetch('/v1/sync', { method: 'POST' });
      refresh();
    }

    function connectFeed() {
      const proto = location.protocol === 'https:' ? 'wss' : 'ws';
      const ws = new WebSocket(proto + '://' + location.host + '/v1/ops/feed');
      ws.onmessage = (ev) => { renderOp(JSON.parse(ev.data)); refresh(); };
      ws.onclose = () => setTimeout(connectFeed, 2000);
    }

    refresh();
    connectFeed();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, dashboardHTML)
}
