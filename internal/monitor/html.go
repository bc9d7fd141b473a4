package monitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Tool Kit Verification</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #14161c; color: #e6e6e6; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 12px; }
        .title { font-size: 20px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 12px; background: #333; }
        .badge.ok { background: #1f7a3a; }
        .badge.warn { background: #a06a00; }
        .badge.err { background: #a02828; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1d2028; border-radius: 8px; padding: 12px; }
        .panel h2 { margin: 0 0 8px; font-size: 16px; }
        #stream { width: 100%; height: auto; display: block; background: #000; }
        .tool { display: flex; justify-content: space-between; padding: 6px 0; border-bottom: 1px solid #2a2e38; }
        .tool .swatch { display: inline-block; width: 10px; height: 10px; border-radius: 2px; margin-right: 6px; }
        .tool.ok .prob { color: #4cd07d; }
        .tool.missing .prob { color: #e0a030; }
        .alert { padding: 8px; border-radius: 6px; margin: 8px 0; display: none; }
        .alert.show { display: block; }
        .alert.warn { background: #4a3a10; }
        .alert.err { background: #4a1616; }
        .actions { display: flex; gap: 8px; margin-top: 12px; flex-wrap: wrap; }
        button { padding: 8px 14px; border: 0; border-radius: 6px; background: #3a6df0; color: #fff; cursor: pointer; }
        button:disabled { background: #444; cursor: default; }
        button.secondary { background: #444; }
        textarea { width: 100%; box-sizing: border-box; min-height: 70px; margin-top: 8px; background: #111; color: #eee; border: 1px solid #333; border-radius: 6px; }
        .hidden { display: none; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Tool Kit Verification <span id="request"></span></div>
            <span class="badge" id="conn-badge">Connecting...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Camera</h2>
                <img id="stream" src="/stream" alt="Camera preview with recognized tools">
                <div class="alert warn" id="overlap-alert">Tools overlap, spread them out</div>
                <div class="alert warn" id="camera-alert">
                    Camera access denied. Upload a photo of the kit instead:
                    <input type="file" id="upload" accept="image/jpeg,image/png">
                </div>
            </div>

            <div class="panel">
                <h2>Kit <span id="progress"></span></h2>
                <div id="tools"></div>

                <div class="alert err" id="failure"></div>

                <div id="review" class="hidden">
                    <p id="review-text"></p>
                    <textarea id="comment" placeholder="Describe the missing tools"></textarea>
                </div>

                <div class="actions">
                    <button id="btn-finish">Finish</button>
                    <button id="btn-confirm" class="hidden">Confirm</button>
                    <button id="btn-retry" class="hidden">Retry</button>
                    <button id="btn-cancel" class="secondary hidden">Back to scanning</button>
                </div>
            </div>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);
        let current = null;

        async function post(path, body) {
            const resp = await fetch(path, {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: body ? JSON.stringify(body) : undefined,
            });
            const data = await resp.json();
            if (!resp.ok) {
                showFailure(data.error || ('HTTP ' + resp.status));
                return null;
            }
            render(data);
            return data;
        }

        function showFailure(message) {
            const el = $('failure');
            el.textContent = message || '';
            el.classList.toggle('show', !!message);
        }

        function render(v) {
            current = v;
            $('request').textContent = '#' + v.request_id + (v.batch_number ? ' / ' + v.batch_number : '');
            $('progress').textContent = v.recognized + ' / ' + v.expected;

            const s = v.session;
            const badge = $('conn-badge');
            if (v.closed) {
                badge.textContent = 'Closed';
                badge.className = 'badge';
            } else if (s.connected) {
                badge.textContent = s.streaming ? 'Streaming' : 'Connected';
                badge.className = 'badge ok';
            } else {
                badge.textContent = 'Disconnected';
                badge.className = 'badge err';
            }
            $('overlap-alert').classList.toggle('show', s.overlap);
            $('camera-alert').classList.toggle('show', s.camera_denied);

            const tools = $('tools');
            tools.innerHTML = '';
            for (const t of v.tools || []) {
                const row = document.createElement('div');
                row.className = 'tool ' + (t.recognized ? 'ok' : 'missing');
                const name = document.createElement('span');
                const swatch = document.createElement('span');
                swatch.className = 'swatch';
                swatch.style.background = t.color;
                name.appendChild(swatch);
                name.appendChild(document.createTextNode(t.name || t.tool_class));
                const prob = document.createElement('span');
                prob.className = 'prob';
                prob.textContent = t.detected ? (t.probability * 100).toFixed(1) + '%' : '--';
                row.appendChild(name);
                row.appendChild(prob);
                tools.appendChild(row);
            }

            const wf = v.workflow;
            const reviewing = wf === 'reviewing';
            const complete = v.decision && v.decision.complete;
            $('btn-finish').classList.toggle('hidden', wf !== 'scanning');
            $('btn-finish').textContent = complete ? 'Finish (all tools found)' : 'Finish';
            $('btn-confirm').classList.toggle('hidden', !reviewing);
            $('btn-retry').classList.toggle('hidden', wf !== 'failed');
            $('btn-cancel').classList.toggle('hidden', !(reviewing || wf === 'failed'));
            $('review').classList.toggle('hidden', !reviewing);
            $('comment').classList.toggle('hidden', !reviewing || complete);
            $('review-text').textContent = complete
                ? 'All tools recognized. Confirm to complete the request.'
                : 'Missing: ' + v.missing_names + '. An incident will be reported.';
            for (const id of ['btn-finish', 'btn-confirm', 'btn-retry', 'btn-cancel']) {
                $(id).disabled = v.closed || wf === 'completing' || wf === 'reporting_incident';
            }
            showFailure(v.failure ? v.failure.message : '');
        }

        $('btn-finish').addEventListener('click', () => post('/api/finish'));
        $('btn-cancel').addEventListener('click', () => post('/api/cancel'));
        $('btn-retry').addEventListener('click', () => post('/api/retry'));
        $('btn-confirm').addEventListener('click', () => {
            const complete = current && current.decision && current.decision.complete;
            const comment = $('comment').value.trim();
            if (!complete && !comment) {
                showFailure('Please describe the missing tools before reporting an incident.');
                return;
            }
            post('/api/confirm', { comment });
        });
        $('upload').addEventListener('change', async (e) => {
            const file = e.target.files[0];
            if (!file) return;
            const form = new FormData();
            form.append('image', file);
            await fetch('/api/frames', { method: 'POST', body: form });
            e.target.value = '';
        });

        const events = new EventSource('/api/status/stream');
        events.onmessage = (e) => {
            const payload = JSON.parse(e.data);
            render(payload.verification);
        };
        events.onerror = () => {
            const badge = $('conn-badge');
            badge.textContent = 'Monitor offline';
            badge.className = 'badge warn';
        };
    </script>
</body>
</html>
`
